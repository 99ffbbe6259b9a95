package execution

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// SessionContext describes one process-lifetime run of a test suite. A
// context is frozen once created; finalizing a session produces a new
// context via Ended rather than mutating the shared one.
type SessionContext struct {
	SessionID   string          `json:"sessionId"`
	StartedAt   time.Time       `json:"startedAt"`
	EndedAt     *time.Time      `json:"endedAt,omitempty"`
	Environment EnvironmentInfo `json:"environmentInfo"`
}

// EnvironmentInfo is supplied by the environment detector. The pipeline
// treats it as opaque.
type EnvironmentInfo struct {
	MachineName     string            `json:"machineName,omitempty"`
	OperatingSystem string            `json:"operatingSystem,omitempty"`
	Platform        string            `json:"platform,omitempty"`
	Architecture    string            `json:"architecture,omitempty"`
	RuntimeVersion  string            `json:"runtimeVersion,omitempty"`
	Framework       string            `json:"framework,omitempty"`
	IsCI            bool              `json:"isCIEnvironment"`
	CIPlatform      string            `json:"ciPlatform,omitempty"`
	Properties      map[string]string `json:"customProperties,omitempty"`
}

// NewSession creates a fresh session context started at now.
func NewSession(env EnvironmentInfo, now time.Time) *SessionContext {
	return &SessionContext{
		SessionID:   uuid.NewString(),
		StartedAt:   now.UTC(),
		Environment: env.clone(),
	}
}

// Ended returns a copy of s stamped with the given end time.
func (s *SessionContext) Ended(at time.Time) *SessionContext {
	cp := *s
	end := at.UTC()
	cp.EndedAt = &end
	cp.Environment = s.Environment.clone()

	return &cp
}

func (e EnvironmentInfo) clone() EnvironmentInfo {
	if e.Properties != nil {
		e.Properties = maps.Clone(e.Properties)
	}

	return e
}

// EffectiveSessionID returns the session a record belongs to, preferring
// the attached context over the bare id.
func (r *Record) EffectiveSessionID() string {
	if r.Session != nil {
		return r.Session.SessionID
	}

	return r.SessionID
}

// Batch is the wire envelope shared by the upload body and the offline
// queue's persisted form.
type Batch struct {
	Executions []Record `json:"executions"`
}
