package vm

import "strings"

// Map is a string-keyed dictionary that remembers insertion order.
type Map struct {
	keys  []string
	items map[string]Value
}

// NewMap creates an empty map.
func NewMap() *Map {
	return &Map{items: make(map[string]Value)}
}

func (*Map) Type() string { return "map" }

func (m *Map) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(Repr(Str(k)))
		sb.WriteString(": ")
		sb.WriteString(Repr(m.items[k]))
	}
	sb.WriteByte('}')
	return sb.String()
}

// Get returns the value stored under key.
func (m *Map) Get(key string) (Value, bool) {
	v, ok := m.items[key]
	return v, ok
}

// Set stores v under key, appending key to the order if it is new.
func (m *Map) Set(key string, v Value) {
	if _, ok := m.items[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.items[key] = v
}

// Delete removes key.
func (m *Map) Delete(key string) {
	if _, ok := m.items[key]; !ok {
		return
	}
	delete(m.items, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order. The slice must not be modified.
func (m *Map) Keys() []string { return m.keys }

// Len returns the number of entries.
func (m *Map) Len() int { return len(m.keys) }
