package wsrelay

import (
	"context"
	"sync"

	"github.com/dkeye/voicelink/internal/domain"
	"github.com/rs/zerolog/log"
)

type registryEntry struct {
	id     uint64
	cancel context.CancelFunc
}

// registry keeps one live connection per user. Binding a user again
// cancels the connection it replaces.
type registry struct {
	mu    sync.Mutex
	next  uint64
	conns map[domain.UserID]registryEntry
}

func newRegistry() *registry {
	return &registry{conns: make(map[domain.UserID]registryEntry)}
}

func (r *registry) bind(user domain.UserID, cancel context.CancelFunc) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	if old, ok := r.conns[user]; ok {
		old.cancel()
		log.Info().Str("module", serverModule).Str("user", string(user)).Msg("superseded previous connection")
	}
	r.conns[user] = registryEntry{id: r.next, cancel: cancel}
	return r.next
}

// release drops the entry if it is still the user's current connection.
func (r *registry) release(user domain.UserID, id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[user]; ok && cur.id == id {
		delete(r.conns, user)
		return true
	}
	return false
}

func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
