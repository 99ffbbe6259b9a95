// Package batch strips and restores repeated session contexts so that a
// batch carries each session's context once per session boundary.
package batch

import "github.com/xping-dev/xping/pkg/execution"

// Optimize returns a copy of records in which only the first record of
// every run of equal session ids keeps its SessionContext. Every change of
// session id, including the first record, is a boundary. The input slice
// is not modified.
func Optimize(records []execution.Record) []execution.Record {
	if records == nil {
		return nil
	}

	out := make([]execution.Record, len(records))

	var (
		current string
		started bool
	)

	for i, rec := range records {
		id := rec.EffectiveSessionID()

		if id == "" {
			// Sessionless records reset the run so the next session
			// record is a boundary again.
			out[i] = rec
			started = false
			current = ""

			continue
		}

		rec.SessionID = id

		if started && id == current {
			rec.Session = nil
		}

		current = id
		started = true
		out[i] = rec
	}

	return out
}

// Rehydrate reverses Optimize: records without a context inherit the most
// recent context carrying the same session id. Records with neither a
// context nor an id are returned unchanged.
func Rehydrate(records []execution.Record) []execution.Record {
	if records == nil {
		return nil
	}

	out := make([]execution.Record, len(records))
	seen := make(map[string]*execution.SessionContext, 4)

	var tracked *execution.SessionContext

	for i, rec := range records {
		switch {
		case rec.Session != nil:
			tracked = rec.Session
			seen[rec.Session.SessionID] = rec.Session

			if rec.SessionID == "" {
				rec.SessionID = rec.Session.SessionID
			}
		case rec.SessionID != "":
			if tracked != nil && tracked.SessionID == rec.SessionID {
				rec.Session = tracked
			} else if s, ok := seen[rec.SessionID]; ok {
				rec.Session = s
			}
		}

		out[i] = rec
	}

	return out
}
