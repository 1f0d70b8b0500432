package mcp

import "sync"

// SessionRegistry maps tenants to the MCP sessions watching them.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]map[string]struct{} // tenantID → sessionIDs
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]map[string]struct{})}
}

// Register adds a session to the tenant's watchers. Registering twice is a no-op.
func (r *SessionRegistry) Register(tenantID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sessions[tenantID]
	if !ok {
		set = make(map[string]struct{})
		r.sessions[tenantID] = set
	}
	set[sessionID] = struct{}{}
}

// SessionsFor returns the sessions watching the tenant.
func (r *SessionRegistry) SessionsFor(tenantID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.sessions[tenantID]
	out := make([]string, 0, len(set))
	for sid := range set {
		out = append(out, sid)
	}
	return out
}

// Remove drops the session from every tenant.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for tid, set := range r.sessions {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(r.sessions, tid)
		}
	}
}
