// Package router implements the model routing table: a mapping from
// model name to the session currently serving it, with
// first-registration-wins semantics and promotion to the next live
// candidate on disconnect. This is deliberately not a least-busy or
// round-robin scheduler — the spec rules out load balancing across
// connectors serving the same model.
package router

import "sync"

// Route is the (session, credential) pair returned for a model lookup.
type Route struct {
	SessionID  string
	Credential string
}

// candidate is one session's declaration of a model, in registration
// order.
type candidate struct {
	sessionID  string
	credential string
}

// Router is the single source of truth for model -> session mapping.
// All mutation and lookup is serialized behind one mutex, matching the
// corpus's "single small synchronization primitive" treatment of
// shared registries; contention is low relative to request traffic.
type Router struct {
	mu sync.Mutex
	// candidates[model] is the ordered list of sessions that have
	// declared this model, earliest registrant first. candidates[0],
	// if its session is still live, is the current owner.
	candidates map[string][]candidate
	// live tracks which session ids are currently registered, so a
	// promoted candidate can be skipped if it already disconnected
	// without having been explicitly removed from every model's list
	// yet (defensive against out-of-order unregister processing).
	live map[string]bool
}

// New returns an empty router.
func New() *Router {
	return &Router{
		candidates: make(map[string][]candidate),
		live:       make(map[string]bool),
	}
}

// OnRegister records that sessionID declared models at AUTH time, each
// bound to credential (may be empty). A model already owned by another
// live session is not stolen; this session is appended as a failover
// candidate for that model.
func (r *Router) OnRegister(sessionID string, models []string, credential string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[sessionID] = true
	for _, m := range models {
		list := r.candidates[m]
		for _, c := range list {
			if c.sessionID == sessionID {
				// already declared (duplicate AUTH for this session); skip
				goto next
			}
		}
		r.candidates[m] = append(list, candidate{sessionID: sessionID, credential: credential})
	next:
	}
}

// OnUnregister removes every mapping pointing at sessionID. For each
// model it had declared, if it was the current owner, the next
// still-live candidate (if any) is promoted.
func (r *Router) OnUnregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, sessionID)
	for m, list := range r.candidates {
		filtered := list[:0:0]
		for _, c := range list {
			if c.sessionID != sessionID {
				filtered = append(filtered, c)
			}
		}
		if len(filtered) == 0 {
			delete(r.candidates, m)
		} else {
			r.candidates[m] = filtered
		}
	}
}

// LookupResult distinguishes "no session ever declared this model"
// (404 model_not_found) from "declarants exist but none are live right
// now" (503 no_connector), per spec §4.4 step 1.
type LookupResult int

const (
	Found LookupResult = iota
	UnknownModel
	NoLiveConnector
)

// GetRoute returns the current route for model along with which of the
// two failure modes applies when no live route exists.
func (r *Router) GetRoute(model string) (Route, LookupResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list, known := r.candidates[model]
	if !known {
		return Route{}, UnknownModel
	}
	for _, c := range list {
		if r.live[c.sessionID] {
			return Route{SessionID: c.sessionID, Credential: c.credential}, Found
		}
	}
	return Route{}, NoLiveConnector
}

// Models returns the set union of model names currently mapped to at
// least one live session, in no particular order.
func (r *Router) Models() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.candidates))
	for m, list := range r.candidates {
		for _, c := range list {
			if r.live[c.sessionID] {
				out = append(out, m)
				break
			}
		}
	}
	return out
}
