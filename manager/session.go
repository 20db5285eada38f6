package manager

import (
	"sync"
	"time"
)

// sessionState is the in-memory roster entry for one live session. It is
// mutated only by the owning session's preCall (register) and sessionEnd
// (release) calls;
// callers must not fan a session across goroutines without external
// synchronisation.
type sessionState struct {
	tenant       string
	startedAt    time.Time
	requestCount int
}

// sessionRoster tracks live sessions keyed by session id.
type sessionRoster struct {
	entries sync.Map // sessionID -> *sessionState
}

func (r *sessionRoster) register(sessionID, tenant string, now time.Time) {
	v, _ := r.entries.LoadOrStore(sessionID, &sessionState{tenant: tenant, startedAt: now})
	s := v.(*sessionState)
	s.requestCount++
}

func (r *sessionRoster) get(sessionID string) (*sessionState, bool) {
	v, ok := r.entries.Load(sessionID)
	if !ok {
		return nil, false
	}
	return v.(*sessionState), true
}

func (r *sessionRoster) release(sessionID string) {
	r.entries.Delete(sessionID)
}
