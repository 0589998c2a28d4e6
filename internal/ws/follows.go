package ws

import "sync"

// follows records, per user, which connections joined each sync session.
// A user stays in a session until the last connection that joined it goes
// away or the user leaves explicitly.
type follows struct {
	mu   sync.Mutex
	refs map[string]map[string]map[*connection]struct{} // user -> session -> connections
}

func newFollows() *follows {
	return &follows{refs: make(map[string]map[string]map[*connection]struct{})}
}

func (f *follows) add(userID, sessionID string, cs *connection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sessions, ok := f.refs[userID]
	if !ok {
		sessions = make(map[string]map[*connection]struct{})
		f.refs[userID] = sessions
	}
	conns, ok := sessions[sessionID]
	if !ok {
		conns = make(map[*connection]struct{})
		sessions[sessionID] = conns
	}
	conns[cs] = struct{}{}
}

// forget drops the user's claim on a session they left.
func (f *follows) forget(userID, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sessions := f.refs[userID]
	delete(sessions, sessionID)
	if len(sessions) == 0 {
		delete(f.refs, userID)
	}
}

// end drops every claim on a session that no longer exists.
func (f *follows) end(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for userID, sessions := range f.refs {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(f.refs, userID)
		}
	}
}

// drop removes cs from every session of userID and returns the sessions no
// other connection of that user joined.
func (f *follows) drop(userID string, cs *connection) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	sessions := f.refs[userID]
	var orphaned []string
	for sessionID, conns := range sessions {
		if _, ok := conns[cs]; !ok {
			continue
		}
		delete(conns, cs)
		if len(conns) == 0 {
			delete(sessions, sessionID)
			orphaned = append(orphaned, sessionID)
		}
	}
	if len(sessions) == 0 {
		delete(f.refs, userID)
	}
	return orphaned
}
