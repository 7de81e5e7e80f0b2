package backend

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/herve-wq/mvpwakascribe/internal/errs"
)

// Factory constructs an unloaded adapter.
type Factory func() Adapter

// Registry holds exactly one active adapter and swaps it atomically.
// A swap constructs and loads the replacement before the old adapter is
// touched; on any failure the previous adapter stays active.
type Registry struct {
	modelsRoot string

	mu        sync.RWMutex
	factories map[ID]Factory
	active    Adapter
	activeID  ID
}

// NewRegistry creates a registry that loads each backend's models from
// modelsRoot/<backend-id>/.
func NewRegistry(modelsRoot string) *Registry {
	return &Registry{
		modelsRoot: modelsRoot,
		factories:  map[ID]Factory{},
	}
}

// Register makes a backend selectable. Registering an already-known id
// replaces its factory (used by tests).
func (r *Registry) Register(id ID, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = f
}

// IDs returns the registered backend ids.
func (r *Registry) IDs() []ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]ID, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	return ids
}

// Active returns the current adapter, or nil before the first SetActive.
func (r *Registry) Active() Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// ActiveID returns the id of the current adapter, or "" before the first
// SetActive.
func (r *Registry) ActiveID() ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeID
}

// SetActive swaps in the backend named id. The write lock is held for the
// whole load so new requests block until the replacement is ready. On
// failure the previous adapter remains active and the error carries
// errs.BackendLoadFailed.
func (r *Registry) SetActive(id ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil && r.activeID == id {
		return nil
	}

	factory, ok := r.factories[id]
	if !ok {
		return errs.New(errs.BackendLoadFailed, fmt.Sprintf("unknown backend %q", id))
	}

	next := factory()
	if err := next.LoadModels(r.modelDir(id)); err != nil {
		next.Close()
		slog.Warn("backend swap failed, keeping previous", "backend", id, "err", err)
		return errs.Wrap(errs.BackendLoadFailed, fmt.Sprintf("loading backend %q", id), err)
	}

	old := r.active
	r.active = next
	r.activeID = id
	if old != nil {
		old.Close()
	}

	slog.Info("backend active", "backend", id)
	return nil
}

// Close releases the active adapter.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		r.active.Close()
		r.active = nil
		r.activeID = ""
	}
}

func (r *Registry) modelDir(id ID) string {
	return filepath.Join(r.modelsRoot, string(id))
}
