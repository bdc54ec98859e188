package common

// DirtySet tracks keys changed since they were last persisted. Like Journal
// it is not safe for concurrent use; the owning ledger's lock guards it.
type DirtySet[K comparable] struct {
	seq    uint64
	staged uint64
	keys   map[K]uint64
}

// Mark records that key changed.
func (d *DirtySet[K]) Mark(key K) {
	if d.keys == nil {
		d.keys = make(map[K]uint64)
	}
	d.seq++
	d.keys[key] = d.seq
}

// Stage returns the changed keys and remembers the point they were taken at.
func (d *DirtySet[K]) Stage() []K {
	d.staged = d.seq
	out := make([]K, 0, len(d.keys))
	for key := range d.keys {
		out = append(out, key)
	}
	return out
}

// Flushed forgets the keys returned by the last Stage unless they changed
// again since.
func (d *DirtySet[K]) Flushed() {
	for key, seq := range d.keys {
		if seq <= d.staged {
			delete(d.keys, key)
		}
	}
}

// Len reports the number of pending keys.
func (d *DirtySet[K]) Len() int { return len(d.keys) }
