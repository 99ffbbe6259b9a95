package execution

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xping-dev/xping/pkg/identity"
)

// ErrInvalidTiming is returned when a record would end before it started.
var ErrInvalidTiming = errors.New("execution end time precedes start time")

// Outcome is the result of one test execution.
type Outcome string

const (
	OutcomePassed       Outcome = "Passed"
	OutcomeFailed       Outcome = "Failed"
	OutcomeSkipped      Outcome = "Skipped"
	OutcomeInconclusive Outcome = "Inconclusive"
	OutcomeNotExecuted  Outcome = "NotExecuted"
)

// ParseOutcome maps a case-insensitive outcome name to an Outcome.
func ParseOutcome(s string) (Outcome, error) {
	for _, o := range []Outcome{
		OutcomePassed, OutcomeFailed, OutcomeSkipped,
		OutcomeInconclusive, OutcomeNotExecuted,
	} {
		if strings.EqualFold(s, string(o)) {
			return o, nil
		}
	}

	return "", fmt.Errorf("unknown outcome %q", s)
}

// Record is one reported outcome of a single test run. Records are values:
// once built they are not modified, except that the transport layer may
// rewrite Session on its own copies (see package batch).
type Record struct {
	ExecutionID      uuid.UUID         `json:"executionId"`
	Identity         identity.Identity `json:"identity"`
	TestName         string            `json:"testName"`
	Outcome          Outcome           `json:"outcome"`
	Duration         time.Duration     `json:"duration"`
	StartTimeUTC     time.Time         `json:"startTimeUtc"`
	EndTimeUTC       time.Time         `json:"endTimeUtc"`
	ExceptionType    string            `json:"exceptionType,omitempty"`
	ErrorMessage     string            `json:"errorMessage,omitempty"`
	ErrorMessageHash string            `json:"errorMessageHash,omitempty"`
	StackTrace       string            `json:"stackTrace,omitempty"`
	StackTraceHash   string            `json:"stackTraceHash,omitempty"`
	Retry            *RetryMetadata    `json:"retryMetadata,omitempty"`
	Orchestration    Orchestration     `json:"orchestration"`

	// SessionID is kept on every record that belongs to a session, even
	// when Session has been stripped for transport.
	SessionID string `json:"sessionId,omitempty"`
	// Session is a borrowed reference to the context owned by the
	// orchestrator. It is nil for records following a session boundary in
	// an optimized batch.
	Session *SessionContext `json:"sessionContext,omitempty"`
}

// RetryMetadata describes where an execution sits in a retry sequence.
type RetryMetadata struct {
	Attempt       int    `json:"attemptNumber"`
	MaxRetries    int    `json:"maxRetries"`
	PassedOnRetry bool   `json:"passedOnRetry"`
	Reason        string `json:"retryReason,omitempty"`
}

// Orchestration captures the scheduling context a test ran in.
type Orchestration struct {
	PositionInSuite     int           `json:"positionInSuite"`
	PreviousTestID      string        `json:"previousTestId,omitempty"`
	PreviousOutcome     Outcome       `json:"previousTestOutcome,omitempty"`
	IsParallel          bool          `json:"wasParallelized"`
	ConcurrentTestCount int           `json:"concurrentTestCount,omitempty"`
	WorkerID            string        `json:"threadId,omitempty"`
	ElapsedSuiteTime    time.Duration `json:"suiteElapsedTime"`
}

// Option sets optional fields when building a Record.
type Option func(*Record)

// WithFailure records the error details of a failed execution along with
// stable hashes used to group identical failures.
func WithFailure(exceptionType, message, stackTrace string) Option {
	return func(r *Record) {
		r.ExceptionType = exceptionType
		r.ErrorMessage = message
		r.ErrorMessageHash = HashText(message)
		r.StackTrace = stackTrace
		r.StackTraceHash = HashText(stackTrace)
	}
}

// WithRetry attaches retry metadata.
func WithRetry(meta RetryMetadata) Option {
	return func(r *Record) {
		m := meta
		r.Retry = &m
	}
}

// WithOrchestration attaches scheduling context.
func WithOrchestration(o Orchestration) Option {
	return func(r *Record) {
		r.Orchestration = o
	}
}

// WithTestName overrides the default test name (the identity display name).
func WithTestName(name string) Option {
	return func(r *Record) {
		if name != "" {
			r.TestName = name
		}
	}
}

// New builds a record for a test that ran from start to end. Times are
// normalized to UTC and Duration is derived from them.
func New(
	id identity.Identity,
	outcome Outcome,
	start, end time.Time,
	opts ...Option,
) (Record, error) {
	if end.Before(start) {
		return Record{}, fmt.Errorf("%w: start %s, end %s",
			ErrInvalidTiming, start.Format(time.RFC3339Nano), end.Format(time.RFC3339Nano))
	}

	r := Record{
		ExecutionID:  uuid.New(),
		Identity:     id,
		TestName:     id.DisplayName,
		Outcome:      outcome,
		StartTimeUTC: start.UTC(),
		EndTimeUTC:   end.UTC(),
		Duration:     end.Sub(start),
	}

	for _, opt := range opts {
		opt(&r)
	}

	return r, nil
}

// HashText returns the SHA-256 of s after trimming and normalizing line
// endings, or "" for blank input.
func HashText(s string) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\r\n", "\n"))
	if s == "" {
		return ""
	}

	sum := sha256.Sum256([]byte(s))

	return hex.EncodeToString(sum[:])
}
