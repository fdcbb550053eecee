package presence

import (
	"sync"

	"go.uber.org/zap"

	"github.com/ltrye/TeamSyncWorkspace-sub000/pkg/datamodel"
)

// Registry tracks which participants are currently inside each document
// room. Rooms are created on first add and removed from the map as soon as
// they empty out, so an empty room and a never-created room look the same
// to IsLastParticipant.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*room
}

type room struct {
	mu           sync.Mutex
	participants []*datamodel.UserInfo
	// gone is set once the room has been unlinked from the registry map.
	// A caller that raced the unlink must not append to it.
	gone bool
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*room)}
}

// lockRoom returns the room for docID with its mutex held, creating it if
// needed. Unrelated documents never contend on the same room lock.
func (r *Registry) lockRoom(docID string) *room {
	for {
		r.mu.RLock()
		rm, ok := r.rooms[docID]
		r.mu.RUnlock()

		if !ok {
			r.mu.Lock()
			rm, ok = r.rooms[docID]
			if !ok {
				rm = &room{}
				r.rooms[docID] = rm
			}
			r.mu.Unlock()
		}

		rm.mu.Lock()
		if rm.gone {
			rm.mu.Unlock()
			continue
		}
		return rm
	}
}

// AddParticipant registers user in the document room. A user-info blob
// without a usable identity is rejected (logged, non-fatal to the caller's
// join flow). A participant already present with the same identity is a
// no-op; the call still reports success.
func (r *Registry) AddParticipant(docID string, user *datamodel.UserInfo) bool {
	if !user.HasIdentity() {
		zap.S().Warnf("Rejecting participant without identity for document %s: %+v", docID, user)
		return false
	}

	rm := r.lockRoom(docID)
	defer rm.mu.Unlock()

	for _, p := range rm.participants {
		if p.ID == user.ID {
			return true
		}
	}
	rm.participants = append(rm.participants, user)
	return true
}

// RemoveParticipant removes the first participant matching userID and
// reports whether a removal happened. An emptied room is unlinked from the
// registry map entirely.
func (r *Registry) RemoveParticipant(docID string, userID int64) bool {
	r.mu.RLock()
	rm, ok := r.rooms[docID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	rm.mu.Lock()
	removed := false
	for i, p := range rm.participants {
		if p.ID == userID {
			rm.participants = append(rm.participants[:i], rm.participants[i+1:]...)
			removed = true
			break
		}
	}
	empty := len(rm.participants) == 0
	if empty {
		rm.gone = true
	}
	rm.mu.Unlock()

	if empty {
		r.mu.Lock()
		if cur, ok := r.rooms[docID]; ok && cur == rm {
			delete(r.rooms, docID)
		}
		r.mu.Unlock()
	}
	return removed
}

// ListOthers returns every current participant except the one matching
// excludeID. The returned slice is a copy.
func (r *Registry) ListOthers(docID string, excludeID int64) []*datamodel.UserInfo {
	r.mu.RLock()
	rm, ok := r.rooms[docID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	others := make([]*datamodel.UserInfo, 0, len(rm.participants))
	for _, p := range rm.participants {
		if p.ID != excludeID {
			others = append(others, p)
		}
	}
	return others
}

// IsLastParticipant reports whether zero participants remain in the room,
// i.e. whether it is safe to finalize the document's cache entry.
func (r *Registry) IsLastParticipant(docID string) bool {
	r.mu.RLock()
	rm, ok := r.rooms[docID]
	r.mu.RUnlock()
	if !ok {
		return true
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.participants) == 0
}

// Count returns the number of participants currently in the room.
func (r *Registry) Count(docID string) int {
	r.mu.RLock()
	rm, ok := r.rooms[docID]
	r.mu.RUnlock()
	if !ok {
		return 0
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.participants)
}
