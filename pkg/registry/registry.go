// Package registry implements the session-scoped shared artifact store (the
// blackboard). Each role writes its validated artifacts into its own slice;
// downstream roles read every earlier slice when composing their prompts.
//
// A Registry is exclusively owned by the orchestrator for the duration of a
// session. The ledger and the sentinel only ever see its JSON export.
package registry

import (
	"encoding/json"
	"fmt"
	"sort"
)

// SliceSpec declares one slice of the blackboard: its name (the role that
// writes it) and the ID prefix its artifacts carry.
type SliceSpec struct {
	Name   string `json:"name"`
	Prefix string `json:"prefix"`
}

// Artifact is one validated unit of role output. IDs are assigned by the
// registry, never by the model: stable, human-auditable, monotonic within the
// slice (S-1, S-2, ...), and never reused even when a retry discards the
// artifacts that carried them.
type Artifact struct {
	ID   string         `json:"id"`
	Refs []string       `json:"refs,omitempty"`
	Body map[string]any `json:"body"`
}

// Registry is the blackboard. Not safe for concurrent use: one session is one
// sequential thread of control, and the registry never leaves its session.
type Registry struct {
	order    []string
	prefixes map[string]string // slice name -> prefix
	byPrefix map[string]string // prefix -> slice name
	slices   map[string][]Artifact
	counters map[string]int // next ordinal per slice, never rewinds
}

// New builds a registry with the given slice order. Slice order is the role
// order: references may only point backwards through it.
func New(specs []SliceSpec) (*Registry, error) {
	r := &Registry{
		prefixes: make(map[string]string, len(specs)),
		byPrefix: make(map[string]string, len(specs)),
		slices:   make(map[string][]Artifact, len(specs)),
		counters: make(map[string]int, len(specs)),
	}
	for _, s := range specs {
		if s.Name == "" || s.Prefix == "" {
			return nil, fmt.Errorf("registry: slice needs name and prefix, got %+v", s)
		}
		if _, dup := r.prefixes[s.Name]; dup {
			return nil, fmt.Errorf("registry: duplicate slice %q", s.Name)
		}
		if _, dup := r.byPrefix[s.Prefix]; dup {
			return nil, fmt.Errorf("registry: duplicate prefix %q", s.Prefix)
		}
		r.order = append(r.order, s.Name)
		r.prefixes[s.Name] = s.Prefix
		r.byPrefix[s.Prefix] = s.Name
		r.slices[s.Name] = []Artifact{}
	}
	return r, nil
}

func (r *Registry) sliceIndex(name string) int {
	for i, n := range r.order {
		if n == name {
			return i
		}
	}
	return -1
}

// Append validates refs and stores a new artifact under slice, assigning the
// next monotonic ID. Every ref must resolve to an ID already present in a
// slice strictly earlier than the target slice; forward and dangling
// references are rejected and nothing is stored.
func (r *Registry) Append(slice string, body map[string]any, refs []string) (Artifact, error) {
	idx := r.sliceIndex(slice)
	if idx < 0 {
		return Artifact{}, fmt.Errorf("registry: unknown slice %q", slice)
	}
	for _, ref := range refs {
		owner, ok := r.ownerOf(ref)
		if !ok {
			return Artifact{}, fmt.Errorf("registry: reference %q does not resolve", ref)
		}
		ownerIdx := r.sliceIndex(owner)
		if ownerIdx >= idx {
			return Artifact{}, fmt.Errorf("registry: reference %q is not upstream of slice %q", ref, slice)
		}
	}

	r.counters[slice]++
	art := Artifact{
		ID:   fmt.Sprintf("%s-%d", r.prefixes[slice], r.counters[slice]),
		Refs: refs,
		Body: body,
	}
	r.slices[slice] = append(r.slices[slice], art)
	return art, nil
}

// Discard drops every artifact in slice but keeps its ID counter, so a retry
// that replaces the slice can never re-issue an old ID.
func (r *Registry) Discard(slice string) {
	if _, ok := r.slices[slice]; ok {
		r.slices[slice] = []Artifact{}
	}
}

// ownerOf maps a reference like "S-3" to the slice that issued it, reporting
// whether the ID actually exists there.
func (r *Registry) ownerOf(ref string) (string, bool) {
	for prefix, slice := range r.byPrefix {
		if len(ref) > len(prefix)+1 && ref[:len(prefix)] == prefix && ref[len(prefix)] == '-' {
			for _, art := range r.slices[slice] {
				if art.ID == ref {
					return slice, true
				}
			}
			return slice, false
		}
	}
	return "", false
}

// Has reports whether id exists in slice.
func (r *Registry) Has(slice, id string) bool {
	for _, art := range r.slices[slice] {
		if art.ID == id {
			return true
		}
	}
	return false
}

// Resolves reports whether a reference points at any registered artifact.
func (r *Registry) Resolves(ref string) bool {
	_, ok := r.ownerOf(ref)
	return ok
}

// IDs returns the ordered artifact IDs of slice.
func (r *Registry) IDs(slice string) []string {
	arts := r.slices[slice]
	out := make([]string, len(arts))
	for i, a := range arts {
		out[i] = a.ID
	}
	return out
}

// Slice returns a copy of the artifacts in slice.
func (r *Registry) Slice(name string) []Artifact {
	src := r.slices[name]
	out := make([]Artifact, len(src))
	copy(out, src)
	return out
}

// Order returns the slice order.
func (r *Registry) Order() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Prefix returns the ID prefix of slice.
func (r *Registry) Prefix(slice string) string { return r.prefixes[slice] }

// Export renders the blackboard as a JSON object, slice name -> artifact
// array. This is the read-only view the ledger records and the sentinel
// audits.
func (r *Registry) Export() ([]byte, error) {
	view := make(map[string][]Artifact, len(r.slices))
	for name, arts := range r.slices {
		view[name] = arts
	}
	return json.MarshalIndent(view, "", "  ")
}

// Snapshot returns the export as a decoded map for in-process consumers.
func (r *Registry) Snapshot() map[string][]Artifact {
	view := make(map[string][]Artifact, len(r.slices))
	names := make([]string, 0, len(r.slices))
	for name := range r.slices {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		view[name] = r.Slice(name)
	}
	return view
}
