// Package upload ships batches of execution records to the collection
// endpoint with retries, compression and a circuit breaker.
package upload

import (
	"context"

	"github.com/xping-dev/xping/pkg/execution"
)

// ErrorKind classifies a failed upload so callers can decide between
// queueing the batch for later and dropping it.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	// KindConfiguration means credentials are missing; nothing was sent.
	KindConfiguration
	// KindTransient failures may succeed later and are safe to queue.
	KindTransient
	// KindPermanent failures will not succeed by retrying the same batch.
	KindPermanent
	// KindCircuitOpen means the breaker rejected the call without a
	// network attempt.
	KindCircuitOpen
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindConfiguration:
		return "configuration"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Retryable reports whether a batch that failed with this kind should be
// kept for a later attempt.
func (k ErrorKind) Retryable() bool {
	return k == KindTransient || k == KindCircuitOpen
}

// Result is the outcome of one Upload call.
type Result struct {
	Success      bool      `json:"success"`
	Count        int       `json:"count"`
	ReceiptID    string    `json:"receiptId,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Kind         ErrorKind `json:"-"`
	StatusCode   int       `json:"statusCode,omitempty"`
}

// Uploader sends record batches to the collection service. Upload never
// returns an error value; failures are described by the Result.
type Uploader interface {
	Upload(ctx context.Context, records []execution.Record) Result
}
