// Package tenant tracks the set of tenants allowed to receive events.
//
// The registry is process-local and read-mostly: lookups read an immutable
// snapshot through an atomic pointer, and Reload swaps in a freshly parsed
// snapshot in one store, so a reload never produces a torn read. A missing
// or malformed registry file degrades to an empty set (everything gets
// rejected as unknown) instead of failing startup.
package tenant

import (
	"encoding/json"
	"os"
	"sort"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
)

// snapshot is one immutable parse of the registry file.
type snapshot struct {
	ids  map[string]struct{}
	meta map[string]map[string]any
}

func emptySnapshot() *snapshot {
	return &snapshot{ids: map[string]struct{}{}, meta: map[string]map[string]any{}}
}

// Registry answers tenant membership questions against the latest snapshot.
type Registry struct {
	path   string
	logger *zap.Logger
	snap   atomic.Pointer[snapshot]
}

// NewRegistry loads the registry file at path immediately.
func NewRegistry(path string, logger *zap.Logger) *Registry {
	r := &Registry{path: path, logger: logger}
	r.snap.Store(emptySnapshot())
	r.Reload()
	return r
}

// Reload re-reads the registry file and atomically swaps the snapshot,
// returning the new tenant count. Failures install an empty set.
func (r *Registry) Reload() int {
	snap := r.load()
	r.snap.Store(snap)
	return len(snap.ids)
}

func (r *Registry) load() *snapshot {
	data, err := os.ReadFile(r.path)
	if err != nil {
		r.logger.Warn("tenant registry unreadable, using empty set",
			zap.String("path", r.path),
			zap.Error(err),
		)
		return emptySnapshot()
	}

	// The file is a JSON array of bare ids or of objects with at least "id".
	var entries []any
	if err := json.Unmarshal(data, &entries); err != nil {
		r.logger.Warn("tenant registry is not a JSON array, using empty set",
			zap.String("path", r.path),
			zap.Error(err),
		)
		return emptySnapshot()
	}

	snap := emptySnapshot()
	for _, entry := range entries {
		switch v := entry.(type) {
		case string:
			id := strings.TrimSpace(v)
			if id == "" {
				continue
			}
			snap.ids[id] = struct{}{}
		case map[string]any:
			id, _ := v["id"].(string)
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			snap.ids[id] = struct{}{}
			snap.meta[id] = v
		}
	}
	return snap
}

// IsValid reports whether id is a known tenant.
func (r *Registry) IsValid(id string) bool {
	_, ok := r.snap.Load().ids[id]
	return ok
}

// All returns the known tenant ids, sorted.
func (r *Registry) All() []string {
	snap := r.snap.Load()
	ids := make([]string, 0, len(snap.ids))
	for id := range snap.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Metadata returns the descriptor object for id, nil for bare-string
// entries and unknown tenants.
func (r *Registry) Metadata(id string) map[string]any {
	return r.snap.Load().meta[id]
}

// Size returns the number of known tenants.
func (r *Registry) Size() int {
	return len(r.snap.Load().ids)
}
