package realm

import (
	"fmt"
	"sort"
	"time"

	"github.com/alwitt/wamprouter/wamp"
)

// Registration binds one procedure URI to the callee which registered it
type Registration struct {
	// ID the registration ID, unique within the realm
	ID wamp.ID
	// Procedure the procedure URI
	Procedure string
	// Callee the session answering invocations
	Callee Peer
	// CreatedAt when the registration was made
	CreatedAt time.Time
}

// RegistrationRegistry procedure registrations of one realm. At most one registration
// exists per procedure URI.
//
// Not thread safe; the owning realm serializes access.
type RegistrationRegistry struct {
	ids    *idSequence
	byID   map[wamp.ID]*Registration
	byURI  map[string]wamp.ID
	byPeer map[Peer]map[wamp.ID]bool
}

// newRegistrationRegistry define a new registry drawing IDs from the sequence
func newRegistrationRegistry(ids *idSequence) *RegistrationRegistry {
	return &RegistrationRegistry{
		ids:    ids,
		byID:   make(map[wamp.ID]*Registration),
		byURI:  make(map[string]wamp.ID),
		byPeer: make(map[Peer]map[wamp.ID]bool),
	}
}

// HasURI whether the procedure is registered
func (r *RegistrationRegistry) HasURI(procedure string) bool {
	_, ok := r.byURI[procedure]
	return ok
}

// HasID whether the registration exists
func (r *RegistrationRegistry) HasID(id wamp.ID) bool {
	_, ok := r.byID[id]
	return ok
}

// ByURI fetch the registration of a procedure
func (r *RegistrationRegistry) ByURI(procedure string) (*Registration, error) {
	id, ok := r.byURI[procedure]
	if !ok {
		return nil, fmt.Errorf("procedure %s %w", procedure, ErrNotFound)
	}
	return r.ByID(id)
}

// ByID fetch a registration
func (r *RegistrationRegistry) ByID(id wamp.ID) (*Registration, error) {
	reg, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("registration %d %w", id, ErrNotFound)
	}
	return reg, nil
}

// Create register a procedure to a callee. The procedure must not already be registered.
func (r *RegistrationRegistry) Create(procedure string, callee Peer) (*Registration, error) {
	if r.HasURI(procedure) {
		return nil, fmt.Errorf("procedure %s already registered", procedure)
	}
	reg := &Registration{
		ID: r.ids.next(), Procedure: procedure, Callee: callee, CreatedAt: time.Now(),
	}
	r.byID[reg.ID] = reg
	r.byURI[procedure] = reg.ID
	owned, ok := r.byPeer[callee]
	if !ok {
		owned = make(map[wamp.ID]bool)
		r.byPeer[callee] = owned
	}
	owned[reg.ID] = true
	return reg, nil
}

// Remove delete a registration, freeing its procedure URI
func (r *RegistrationRegistry) Remove(id wamp.ID) error {
	reg, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("registration %d %w", id, ErrNotFound)
	}
	delete(r.byID, id)
	delete(r.byURI, reg.Procedure)
	if owned, ok := r.byPeer[reg.Callee]; ok {
		delete(owned, id)
		if len(owned) == 0 {
			delete(r.byPeer, reg.Callee)
		}
	}
	return nil
}

// OwnedBy the IDs of all registrations made by a callee, in ascending order
func (r *RegistrationRegistry) OwnedBy(callee Peer) []wamp.ID {
	return sortedIDs(r.byPeer[callee])
}

// Len number of registrations
func (r *RegistrationRegistry) Len() int {
	return len(r.byID)
}

// All all registrations, ordered by ID
func (r *RegistrationRegistry) All() []*Registration {
	result := make([]*Registration, 0, len(r.byID))
	for _, reg := range r.byID {
		result = append(result, reg)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// idSequence realm-wide monotonic ID source. IDs are never reused.
type idSequence struct {
	last wamp.ID
}

func (s *idSequence) next() wamp.ID {
	s.last++
	return s.last
}

func sortedIDs(set map[wamp.ID]bool) []wamp.ID {
	result := make([]wamp.ID, 0, len(set))
	for id := range set {
		result = append(result, id)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}
