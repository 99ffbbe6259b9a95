package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/xping-dev/xping/pkg/config"
	"github.com/xping-dev/xping/pkg/envinfo"
	"github.com/xping-dev/xping/pkg/queue"
	"github.com/xping-dev/xping/pkg/session"
	"github.com/xping-dev/xping/pkg/upload"
)

// loadConfig reads the layered config files and environment, applies the
// configured log level unless --log-level was given, and validates.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFiles...)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if logLevel == "" {
		level, err := logrus.ParseLevel(cfg.Global.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("invalid global.log_level %q: %w", cfg.Global.LogLevel, err)
		}

		log.SetLevel(level)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// parseLabels merges key=value entries into base. CLI entries win.
func parseLabels(base map[string]string, entries []string) (map[string]string, error) {
	out := make(map[string]string, len(base)+len(entries))
	for k, v := range base {
		out[k] = v
	}

	for _, entry := range entries {
		k, v, ok := strings.Cut(entry, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid label %q: must be key=value", entry)
		}

		out[k] = v
	}

	return out, nil
}

// openQueue opens the configured offline queue, or returns nil when the
// queue is disabled.
func openQueue(ctx context.Context, cfg *config.Config) (queue.Queue, error) {
	if !cfg.Queue.Enabled {
		return nil, nil
	}

	q, err := queue.Open(ctx, log, &cfg.Queue)
	if err != nil {
		return nil, fmt.Errorf("opening offline queue: %w", err)
	}

	return q, nil
}

// openOrchestrator wires environment detection, the offline queue and the
// HTTP uploader into a session orchestrator. The caller owns Close.
func openOrchestrator(
	ctx context.Context, cfg *config.Config, labels map[string]string, hooks session.Hooks,
) *session.Orchestrator {
	q, err := openQueue(ctx, cfg)
	if err != nil {
		// The session still runs without offline persistence.
		log.WithError(err).Warn("Offline queue unavailable")
	}

	opts := session.Options{
		Queue:       q,
		Environment: envinfo.Detect(ctx, log, labels),
		Hooks:       hooks,
	}

	if cfg.Telemetry.Enabled && cfg.Telemetry.HasCredentials() {
		opts.Uploader = upload.NewHTTPUploader(log, &cfg.Telemetry, upload.WithUserAgent(userAgent()))
	}

	return session.New(log, &cfg.Telemetry, opts)
}

// closeQueue closes q, tolerating one already closed by an orchestrator.
func closeQueue(q queue.Queue) {
	if q == nil {
		return
	}

	if err := q.Close(); err != nil && !errors.Is(err, queue.ErrClosed) {
		log.WithError(err).Warn("Failed to close offline queue")
	}
}
