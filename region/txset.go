package region

import "github.com/tidwall/btree"

// WriteSet is a transaction's pending address -> value map. It is backed by
// an ordered btree, the same container the teacher uses for its own
// transaction bookkeeping (mvcc/transaction.go's writeset/readset), so that
// iterating it for lock acquisition visits addresses in a deterministic
// order without a separate sort step - the property spec.md's §4.2
// LockWriteSet and §9 "write-set ordering" note both require to avoid
// deadlock between concurrent committers.
type WriteSet struct {
	m btree.Map[Addr, []byte]
}

// Put records addr's pending value, replacing any prior pending value at
// the same address (last-writer-wins, per spec.md §3).
func (w *WriteSet) Put(addr Addr, value []byte) {
	w.m.Set(addr, value)
}

// Get returns the pending value for addr, if any.
func (w *WriteSet) Get(addr Addr) ([]byte, bool) {
	return w.m.Get(addr)
}

// Len reports how many addresses have a pending write.
func (w *WriteSet) Len() int { return w.m.Len() }

// Each calls fn for every (address, value) pair in ascending address order.
func (w *WriteSet) Each(fn func(addr Addr, value []byte) bool) {
	iter := w.m.Iter()
	for ok := iter.First(); ok; ok = iter.Next() {
		if !fn(iter.Key(), iter.Value()) {
			return
		}
	}
}

// ReadSet is a transaction's set of observed addresses.
type ReadSet struct {
	s btree.Set[Addr]
}

// Add records that addr was read.
func (r *ReadSet) Add(addr Addr) { r.s.Insert(addr) }

// Contains reports whether addr was read.
func (r *ReadSet) Contains(addr Addr) bool { return r.s.Contains(addr) }

// Each calls fn for every read address in ascending order.
func (r *ReadSet) Each(fn func(addr Addr) bool) {
	iter := r.s.Iter()
	for ok := iter.First(); ok; ok = iter.Next() {
		if !fn(iter.Key()) {
			return
		}
	}
}
