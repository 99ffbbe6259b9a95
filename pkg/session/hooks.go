package session

import (
	"github.com/xping-dev/xping/pkg/collector"
	"github.com/xping-dev/xping/pkg/execution"
)

// Hooks lets adapters observe the session lifecycle. Implementations must
// be safe for concurrent use; OnTestExecutionRecorded is called from every
// recording goroutine.
type Hooks interface {
	OnTestExecutionRecorded(rec execution.Record)
	OnSessionFinalizing(session *execution.SessionContext)
	OnSessionFinalized(session *execution.SessionContext, result collector.FlushResult)
}

// NoopHooks ignores every event. Embed it to override a subset.
type NoopHooks struct{}

var _ Hooks = NoopHooks{}

func (NoopHooks) OnTestExecutionRecorded(execution.Record) {}

func (NoopHooks) OnSessionFinalizing(*execution.SessionContext) {}

func (NoopHooks) OnSessionFinalized(*execution.SessionContext, collector.FlushResult) {}
