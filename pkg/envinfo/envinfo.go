// Package envinfo describes the machine and CI system a test run executes
// on.
package envinfo

import (
	"context"
	"maps"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/docker/go-units"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/sirupsen/logrus"
	"github.com/xping-dev/xping/pkg/execution"
)

// ciProvider maps an environment variable that a CI system always sets to
// the name reported for it. Order matters: specific systems come before
// the generic CI flag.
type ciProvider struct {
	envVar string
	name   string
}

var ciProviders = []ciProvider{
	{envVar: "GITHUB_ACTIONS", name: "GitHub Actions"},
	{envVar: "GITLAB_CI", name: "GitLab CI"},
	{envVar: "TF_BUILD", name: "Azure Pipelines"},
	{envVar: "JENKINS_URL", name: "Jenkins"},
	{envVar: "BUILDKITE", name: "Buildkite"},
	{envVar: "CIRCLECI", name: "CircleCI"},
	{envVar: "TRAVIS", name: "Travis CI"},
	{envVar: "TEAMCITY_VERSION", name: "TeamCity"},
	{envVar: "BITBUCKET_BUILD_NUMBER", name: "Bitbucket Pipelines"},
	{envVar: "CODEBUILD_BUILD_ID", name: "AWS CodeBuild"},
	{envVar: "DRONE", name: "Drone"},
	{envVar: "CI", name: "Generic CI"},
}

// DetectCI reports whether getenv describes a CI environment and which
// provider it is.
func DetectCI(getenv func(string) string) (bool, string) {
	for _, p := range ciProviders {
		v := strings.TrimSpace(getenv(p.envVar))
		if v == "" || strings.EqualFold(v, "false") || v == "0" {
			continue
		}

		return true, p.name
	}

	return false, ""
}

// Detect gathers host details with gopsutil and merges labels into the
// custom properties. Failures to read any single source are logged and
// leave the corresponding fields empty.
func Detect(ctx context.Context, log logrus.FieldLogger, labels map[string]string) execution.EnvironmentInfo {
	log = log.WithField("component", "envinfo")

	info := execution.EnvironmentInfo{
		Platform:       runtime.GOOS,
		Architecture:   runtime.GOARCH,
		RuntimeVersion: runtime.Version(),
		Properties:     make(map[string]string, len(labels)+4),
	}

	if h, err := host.InfoWithContext(ctx); err != nil {
		log.WithError(err).Debug("Failed to read host info")
	} else {
		info.MachineName = h.Hostname
		info.OperatingSystem = strings.TrimSpace(h.Platform + " " + h.PlatformVersion)

		if h.KernelArch != "" {
			info.Architecture = h.KernelArch
		}

		if h.KernelVersion != "" {
			info.Properties["kernel.version"] = h.KernelVersion
		}

		if h.VirtualizationSystem != "" {
			info.Properties["virtualization"] = h.VirtualizationSystem
		}
	}

	if info.MachineName == "" {
		if name, err := os.Hostname(); err == nil {
			info.MachineName = name
		}
	}

	if n, err := cpu.CountsWithContext(ctx, true); err != nil {
		log.WithError(err).Debug("Failed to count CPUs")
	} else {
		info.Properties["cpu.logical"] = strconv.Itoa(n)
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		log.WithError(err).Debug("Failed to read memory info")
	} else {
		info.Properties["memory.total"] = units.BytesSize(float64(vm.Total))
	}

	info.IsCI, info.CIPlatform = DetectCI(os.Getenv)

	maps.Copy(info.Properties, labels)

	if fw, ok := labels["framework"]; ok {
		info.Framework = fw
	}

	return info
}
