// Package report converts test results submitted by framework adapters
// (as a JSON report file or over the relay) into execution records.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/xping-dev/xping/pkg/execution"
	"github.com/xping-dev/xping/pkg/identity"
)

// Report is the JSON document accepted by `xping record` and the relay.
type Report struct {
	Results []Result `json:"results"`
}

// Result is one test run as reported by an adapter.
type Result struct {
	FullyQualifiedName string    `json:"fullyQualifiedName"`
	Parameters         []any     `json:"parameters,omitempty"`
	DisplayName        string    `json:"displayName,omitempty"`
	File               string    `json:"file,omitempty"`
	Line               int       `json:"line,omitempty"`
	Outcome            string    `json:"outcome"`
	StartTime          time.Time `json:"startTime,omitzero"`
	EndTime            time.Time `json:"endTime,omitzero"`
	DurationMS         int64     `json:"durationMs,omitempty"`

	ErrorType    string `json:"errorType,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	StackTrace   string `json:"stackTrace,omitempty"`

	Attempt     int    `json:"attempt,omitempty"`
	MaxRetries  int    `json:"maxRetries,omitempty"`
	RetryReason string `json:"retryReason,omitempty"`

	WorkerID            string `json:"workerId,omitempty"`
	IsParallel          bool   `json:"parallel,omitempty"`
	ConcurrentTestCount int    `json:"concurrentTestCount,omitempty"`
}

// Rejection explains why one result could not be converted.
type Rejection struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// Decode reads a Report from r.
func Decode(r io.Reader) (*Report, error) {
	var rep Report

	dec := json.NewDecoder(r)
	dec.UseNumber()

	if err := dec.Decode(&rep); err != nil {
		return nil, fmt.Errorf("decoding report: %w", err)
	}

	return &rep, nil
}

// times resolves start and end from whichever of start, end and duration
// were reported. now anchors results that carry only a duration.
func (r Result) times(now time.Time) (time.Time, time.Time) {
	start, end := r.StartTime, r.EndTime
	dur := time.Duration(r.DurationMS) * time.Millisecond

	switch {
	case !start.IsZero() && !end.IsZero():
	case !start.IsZero():
		end = start.Add(dur)
	case !end.IsZero():
		start = end.Add(-dur)
	default:
		end = now
		start = now.Add(-dur)
	}

	return start, end
}

// Records converts every result, in order, filling in suite orchestration
// (position and previous test) from the report order. Results that fail
// conversion are skipped and reported as rejections.
func (rep *Report) Records(now time.Time) ([]execution.Record, []Rejection) {
	records := make([]execution.Record, 0, len(rep.Results))

	var (
		rejected  []Rejection
		suiteFrom time.Time
		previous  *execution.Record
	)

	for i, res := range rep.Results {
		rec, err := res.toRecord(now)
		if err != nil {
			rejected = append(rejected, Rejection{Index: i, Error: err.Error()})

			continue
		}

		if suiteFrom.IsZero() || rec.StartTimeUTC.Before(suiteFrom) {
			suiteFrom = rec.StartTimeUTC
		}

		rec.Orchestration.PositionInSuite = len(records) + 1
		rec.Orchestration.ElapsedSuiteTime = rec.EndTimeUTC.Sub(suiteFrom)

		if previous != nil {
			rec.Orchestration.PreviousTestID = previous.Identity.TestID
			rec.Orchestration.PreviousOutcome = previous.Outcome
		}

		records = append(records, rec)
		previous = &records[len(records)-1]
	}

	return records, rejected
}

func (r Result) toRecord(now time.Time) (execution.Record, error) {
	outcome, err := execution.ParseOutcome(r.Outcome)
	if err != nil {
		return execution.Record{}, err
	}

	var idOpts []identity.Option
	if r.DisplayName != "" {
		idOpts = append(idOpts, identity.WithDisplayName(r.DisplayName))
	}

	if r.File != "" {
		idOpts = append(idOpts, identity.WithSourceLocation(r.File, r.Line))
	}

	id, err := identity.Generate(r.FullyQualifiedName, normalizeParams(r.Parameters), idOpts...)
	if err != nil {
		return execution.Record{}, err
	}

	start, end := r.times(now)

	opts := []execution.Option{
		execution.WithOrchestration(execution.Orchestration{
			IsParallel:          r.IsParallel,
			ConcurrentTestCount: r.ConcurrentTestCount,
			WorkerID:            r.WorkerID,
		}),
	}

	if r.ErrorType != "" || r.ErrorMessage != "" || r.StackTrace != "" {
		opts = append(opts, execution.WithFailure(r.ErrorType, r.ErrorMessage, r.StackTrace))
	}

	if r.Attempt > 0 {
		opts = append(opts, execution.WithRetry(execution.RetryMetadata{
			Attempt:       r.Attempt,
			MaxRetries:    r.MaxRetries,
			PassedOnRetry: r.Attempt > 1 && outcome == execution.OutcomePassed,
			Reason:        r.RetryReason,
		}))
	}

	return execution.New(id, outcome, start, end, opts...)
}

// normalizeParams turns decoded JSON numbers into int64 or float64 so that
// the canonical form matches values passed in-process.
func normalizeParams(params []any) []any {
	if params == nil {
		return nil
	}

	out := make([]any, len(params))

	for i, p := range params {
		switch v := p.(type) {
		case json.Number:
			if n, err := v.Int64(); err == nil {
				out[i] = n
			} else if f, err := v.Float64(); err == nil {
				out[i] = f
			} else {
				out[i] = v.String()
			}
		case []any:
			out[i] = normalizeParams(v)
		default:
			out[i] = v
		}
	}

	return out
}

// ParseParameters decodes a JSON array of parameter values the same way
// report results are decoded.
func ParseParameters(raw string) ([]any, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()

	var params []any
	if err := dec.Decode(&params); err != nil {
		return nil, fmt.Errorf("decoding parameters: %w", err)
	}

	return normalizeParams(params), nil
}
