package model

// Attributes is a string-keyed mapping that remembers insertion order.
// Overwriting a key keeps its original position. The zero value is an empty
// mapping ready to use.
type Attributes struct {
	keys   []string
	values map[string]any
}

// NewAttributes builds a mapping from alternating key/value pairs. A trailing
// key without a value is ignored, as are non-string keys.
func NewAttributes(kv ...any) Attributes {
	var a Attributes
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		a.Set(key, kv[i+1])
	}
	return a
}

// Set stores value under key.
func (a *Attributes) Set(key string, value any) {
	if a.values == nil {
		a.values = make(map[string]any)
	}
	if _, ok := a.values[key]; !ok {
		a.keys = append(a.keys, key)
	}
	a.values[key] = value
}

// Get returns the value stored under key.
func (a Attributes) Get(key string) (any, bool) {
	v, ok := a.values[key]
	return v, ok
}

// Delete removes key, preserving the order of the remaining keys.
func (a *Attributes) Delete(key string) {
	if _, ok := a.values[key]; !ok {
		return
	}
	delete(a.values, key)
	for i, k := range a.keys {
		if k == key {
			a.keys = append(a.keys[:i:i], a.keys[i+1:]...)
			break
		}
	}
}

// Len returns the number of keys.
func (a Attributes) Len() int { return len(a.keys) }

// Keys returns the keys in insertion order.
func (a Attributes) Keys() []string {
	out := make([]string, len(a.keys))
	copy(out, a.keys)
	return out
}

// Range calls fn for each pair in insertion order until fn returns false.
func (a Attributes) Range(fn func(key string, value any) bool) {
	for _, k := range a.keys {
		if !fn(k, a.values[k]) {
			return
		}
	}
}

// Clone returns an independent copy. Values are copied shallowly; callers
// are expected to store scalar display values.
func (a Attributes) Clone() Attributes {
	if len(a.keys) == 0 {
		return Attributes{}
	}
	out := Attributes{
		keys:   make([]string, len(a.keys)),
		values: make(map[string]any, len(a.values)),
	}
	copy(out.keys, a.keys)
	for k, v := range a.values {
		out.values[k] = v
	}
	return out
}
