package command

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/voxcmd/internal/transcript"
)

// Registry holds command groups in registration order. It is safe for
// concurrent use; readers receive snapshots.
type Registry struct {
	mu     sync.RWMutex
	groups []Group
}

// NewRegistry returns a registry holding groups. It fails on the first
// invalid or duplicate group.
func NewRegistry(groups ...Group) (*Registry, error) {
	r := &Registry{}
	if err := r.Replace(groups); err != nil {
		return nil, err
	}
	return r, nil
}

// Register appends g after the existing groups.
func (r *Registry) Register(g Group) error {
	g, err := cleanGroup(g)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.indexLocked(g.Name) >= 0 {
		return fmt.Errorf("%w: duplicate name %q", ErrInvalidGroup, g.Name)
	}
	r.groups = append(r.groups, g)
	return nil
}

// Replace swaps the whole group list atomically. Used on config reload.
func (r *Registry) Replace(groups []Group) error {
	cleaned := make([]Group, 0, len(groups))
	seen := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		g, err := cleanGroup(g)
		if err != nil {
			return err
		}
		key := strings.ToLower(g.Name)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("%w: duplicate name %q", ErrInvalidGroup, g.Name)
		}
		seen[key] = struct{}{}
		cleaned = append(cleaned, g)
	}
	r.mu.Lock()
	r.groups = cleaned
	r.mu.Unlock()
	return nil
}

// Groups returns a snapshot of all groups in order.
func (r *Registry) Groups() []Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.groups)
}

// Lookup finds a group by name, ignoring case.
func (r *Registry) Lookup(name string) (Group, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i := r.indexLocked(name); i >= 0 {
		return r.groups[i], true
	}
	return Group{}, false
}

// Keywords returns every normalized keyword across all groups, in order.
// Duplicates are kept; consumers that need a set dedupe themselves.
func (r *Registry) Keywords() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, g := range r.groups {
		out = append(out, g.Keywords...)
	}
	return out
}

func (r *Registry) indexLocked(name string) int {
	for i, g := range r.groups {
		if strings.EqualFold(g.Name, name) {
			return i
		}
	}
	return -1
}

// cleanGroup normalizes keywords and drops empty ones.
func cleanGroup(g Group) (Group, error) {
	g.Name = strings.TrimSpace(g.Name)
	if g.Name == "" {
		return g, fmt.Errorf("%w: empty name", ErrInvalidGroup)
	}
	kws := make([]string, 0, len(g.Keywords))
	for _, kw := range g.Keywords {
		if n := transcript.Normalize(kw); n != "" {
			kws = append(kws, n)
		}
	}
	if len(kws) == 0 {
		return g, fmt.Errorf("%w: group %q has no keywords", ErrInvalidGroup, g.Name)
	}
	g.Keywords = kws
	return g, nil
}
