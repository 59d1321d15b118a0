package media

import (
	"iter"
	"slices"
)

// MetadataEntry is a single key/value pair.
type MetadataEntry struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

// Metadata is an ordered multimap of string keys to string values.
// Keys may repeat; insertion order is preserved.
type Metadata struct {
	entries []MetadataEntry
}

// NewMetadata builds metadata from alternating key/value arguments.
func NewMetadata(kv ...string) Metadata {
	var m Metadata
	for i := 0; i+1 < len(kv); i += 2 {
		m.Append(kv[i], kv[i+1])
	}
	return m
}

// Append adds an entry, even if the key already exists.
func (m *Metadata) Append(key, value string) {
	m.entries = append(m.entries, MetadataEntry{Key: key, Value: value})
}

// Merge appends every entry of src. Existing entries are never overwritten
// and duplicate keys from src are kept as separate entries.
func (m *Metadata) Merge(src Metadata) {
	if len(src.entries) == 0 {
		return
	}
	m.entries = slices.Concat(m.entries, src.entries)
}

// Get returns the first value stored under key.
func (m Metadata) Get(key string) (string, bool) {
	for _, e := range m.entries {
		if e.Key == key {
			return e.Value, true
		}
	}
	return "", false
}

// Values returns every value stored under key, in insertion order.
func (m Metadata) Values(key string) []string {
	var out []string
	for _, e := range m.entries {
		if e.Key == key {
			out = append(out, e.Value)
		}
	}
	return out
}

// Len returns the number of entries.
func (m Metadata) Len() int {
	return len(m.entries)
}

// Entries returns a copy of the entries.
func (m Metadata) Entries() []MetadataEntry {
	out := make([]MetadataEntry, len(m.entries))
	copy(out, m.entries)
	return out
}

// All returns an iterator over a snapshot of the entries.
// The iterator can be ranged over any number of times; later Appends to m
// are not observed by it.
func (m Metadata) All() iter.Seq2[string, string] {
	snapshot := m.Entries()
	return func(yield func(string, string) bool) {
		for _, e := range snapshot {
			if !yield(e.Key, e.Value) {
				return
			}
		}
	}
}
