package domain

import (
	"encoding/json"
	"sort"
)

// Tags is the schema-less key/value payload carried by variants and relations.
// The zero value is an empty tag set; all methods treat a nil Tags as empty.
type Tags map[string]string

// NewTags copies the supplied map into a Tags value.
func NewTags(m map[string]string) Tags {
	out := make(Tags, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Clone returns an independent copy of the tag set.
func (t Tags) Clone() Tags {
	return NewTags(t)
}

// Get returns the value for key and whether it was present.
func (t Tags) Get(key string) (string, bool) {
	v, ok := t[key]
	return v, ok
}

// Has reports whether key is present.
func (t Tags) Has(key string) bool {
	_, ok := t[key]
	return ok
}

// HasAll reports whether every key is present.
func (t Tags) HasAll(keys ...string) bool {
	for _, k := range keys {
		if !t.Has(k) {
			return false
		}
	}
	return true
}

// Missing returns the keys that are absent, in argument order.
func (t Tags) Missing(keys ...string) []string {
	var out []string
	for _, k := range keys {
		if !t.Has(k) {
			out = append(out, k)
		}
	}
	return out
}

// Merge returns a copy of t with every entry of delta applied on top.
func (t Tags) Merge(delta Tags) Tags {
	out := make(Tags, len(t)+len(delta))
	for k, v := range t {
		out[k] = v
	}
	for k, v := range delta {
		out[k] = v
	}
	return out
}

// Equal reports whether both tag sets hold the same entries.
func (t Tags) Equal(other Tags) bool {
	if len(t) != len(other) {
		return false
	}
	for k, v := range t {
		if ov, ok := other[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// TagChange describes one differing key between two tag sets. An empty Old
// with HadOld=false means the key was added; HasNew=false means it was removed.
type TagChange struct {
	Key    string
	Old    string
	New    string
	HadOld bool
	HasNew bool
}

// Diff lists the keys whose values differ between t and next, sorted by key.
func (t Tags) Diff(next Tags) []TagChange {
	var changes []TagChange
	for k, ov := range t {
		nv, ok := next[k]
		if !ok {
			changes = append(changes, TagChange{Key: k, Old: ov, HadOld: true})
			continue
		}
		if nv != ov {
			changes = append(changes, TagChange{Key: k, Old: ov, New: nv, HadOld: true, HasNew: true})
		}
	}
	for k, nv := range next {
		if _, ok := t[k]; !ok {
			changes = append(changes, TagChange{Key: k, New: nv, HasNew: true})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Key < changes[j].Key })
	return changes
}

// MarshalJSON always encodes an object, never null.
func (t Tags) MarshalJSON() ([]byte, error) {
	if t == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]string(t))
}
