package zarr

import (
	"encoding/json"
	"fmt"
)

// MembersKey is the group attribute listing the relative paths of arrays
// registered with the group.
const MembersKey = "members"

// Group is an opened zarr group: a logical path holding arrays and
// attributes.
type Group struct {
	path  Path
	store Store
	meta  GroupMeta
}

// CreateGroup writes group metadata at path unless a group already exists
// there, and returns the group.
func CreateGroup(store Store, path string) (*Group, error) {
	p, err := NewPath(path)
	if err != nil {
		return nil, err
	}
	g := &Group{path: p, store: store, meta: GroupMeta{ZarrFormat: FormatVersion}}
	exists, err := Exists(store, p.Join(string(MTGroup)).String())
	if err != nil {
		return nil, err
	}
	if exists {
		return OpenGroup(store, path)
	}
	if err := putJSON(store, p.Join(string(MTGroup)).String(), g.meta); err != nil {
		return nil, err
	}
	return g, nil
}

// OpenGroup opens an existing group.
func OpenGroup(store Store, path string) (*Group, error) {
	p, err := NewPath(path)
	if err != nil {
		return nil, err
	}
	f, err := store.Get(p.Join(string(MTGroup)).String())
	if err != nil {
		return nil, fmt.Errorf("opening group %q: %w", p, err)
	}
	defer f.Close()
	g := &Group{path: p, store: store}
	if err := json.NewDecoder(f).Decode(&g.meta); err != nil {
		return nil, fmt.Errorf("decoding group %q: %w", p, err)
	}
	return g, nil
}

// GroupExists reports whether group metadata is present at path.
func GroupExists(store Store, path string) (bool, error) {
	p, err := NewPath(path)
	if err != nil {
		return false, err
	}
	return Exists(store, p.Join(string(MTGroup)).String())
}

func (g *Group) Path() string { return g.path.String() }

func (g *Group) Store() Store { return g.store }

// ArrayPath is the store path of a member of this group.
func (g *Group) ArrayPath(member string) string {
	return g.path.Join(member).String()
}

func (g *Group) Attrs() (Attributes, error) {
	return getAttrs(g.store, g.path)
}

// SetAttrs replaces the group attributes in a single store write.
func (g *Group) SetAttrs(attrs Attributes) error {
	return putJSON(g.store, g.path.Join(string(MTAttributes)).String(), attrs)
}

// Members lists the registered member paths, relative to the group.
func (g *Group) Members() ([]string, error) {
	attrs, err := g.Attrs()
	if err != nil {
		return nil, err
	}
	members, _ := attrs.Strings(MembersKey)
	return members, nil
}

// WithMembers returns a copy of attrs that registers members with the group,
// keeping previously registered members first and dropping duplicates.
func WithMembers(attrs Attributes, members ...string) Attributes {
	out := attrs.Copy()
	prev, _ := attrs.Strings(MembersKey)
	seen := map[string]struct{}{}
	var all []string
	candidates := append(append([]string(nil), prev...), members...)
	for _, m := range candidates {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		all = append(all, m)
	}
	out[MembersKey] = all
	return out
}

// Consolidate writes the group's metadata, attributes and the metadata of
// all registered member arrays under a single ".zmetadata" key.
func (g *Group) Consolidate() error {
	cm := ConsolidatedMetadata{ConsolidatedFormat: 1, Metadata: map[string]MetaTyper{}}
	cm.Metadata[string(MTGroup)] = g.meta
	attrs, err := g.Attrs()
	if err != nil {
		return err
	}
	cm.Metadata[string(MTAttributes)] = attrs
	members, _ := attrs.Strings(MembersKey)
	for _, m := range members {
		a, err := Open(g.store, g.ArrayPath(m), ModeRead)
		if err != nil {
			return err
		}
		cm.Metadata[m+"/"+string(MTArray)] = a.meta
		aattrs, err := a.Attrs()
		if err != nil {
			return err
		}
		if len(aattrs) > 0 {
			cm.Metadata[m+"/"+string(MTAttributes)] = aattrs
		}
	}
	return putJSON(g.store, g.path.Join(string(MTMetadata)).String(), &cm)
}

// ConsolidatedMetadata reads the ".zmetadata" written by Consolidate.
func (g *Group) ConsolidatedMetadata() (*ConsolidatedMetadata, error) {
	f, err := g.store.Get(g.path.Join(string(MTMetadata)).String())
	if err != nil {
		return nil, err
	}
	defer f.Close()
	cm := &ConsolidatedMetadata{}
	if err := json.NewDecoder(f).Decode(cm); err != nil {
		return nil, err
	}
	return cm, nil
}
