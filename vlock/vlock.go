// Package vlock implements the versioned lock that guards every word in a
// region: a single atomic integer encoding a one-bit "locked" flag and a
// monotonic version counter, as used by TL2-style software transactional
// memory to detect read/write conflicts without blocking readers.
package vlock

import "go.uber.org/atomic"

// lockedBit is the high bit of the packed word; the remaining 63 bits hold
// the version. Versions drawn from the region's global clock never reach
// 2^63 in practice, so the split costs nothing in range.
const lockedBit = uint64(1) << 63

// VersionedLock is an atomic (locked, version) pair. The zero value is
// unlocked at version 0, which is exactly the state a freshly allocated
// word must start in.
type VersionedLock struct {
	state atomic.Uint64
}

// TimeStamp is a snapshot of a VersionedLock's state taken by Sample.
type TimeStamp struct {
	Locked  bool
	Version uint64
}

func pack(locked bool, version uint64) uint64 {
	if locked {
		return lockedBit | version
	}
	return version
}

func unpack(state uint64) TimeStamp {
	return TimeStamp{
		Locked:  state&lockedBit != 0,
		Version: state &^ lockedBit,
	}
}

// Sample atomically reads the current state without modifying it. Acquire
// ordering: a caller that samples a version also observes every write that
// happened-before the release which published that version.
func (l *VersionedLock) Sample() TimeStamp {
	return unpack(l.state.Load())
}

// TryAcquire attempts to transition the lock from (unlocked, v) to
// (locked, v), where v is the lock's own currently observed version - not
// a caller-supplied read-version. It samples the state, bails out if
// already locked, then compare-and-swaps preserving the sampled version
// unchanged. Comparing the acquired version against a transaction's rv is
// the committer's job (ValidateReadSet), not the lock's: a word whose
// stored version is older than rv must still be acquirable, or a
// non-contending writer of an untouched word would abort for no reason.
func (l *VersionedLock) TryAcquire() bool {
	ts := l.Sample()
	if ts.Locked {
		return false
	}
	return l.state.CompareAndSwap(pack(false, ts.Version), pack(true, ts.Version))
}

// Release unconditionally clears the locked bit, leaving the version
// unchanged. The caller must currently hold the lock; since only the holder
// of a locked word may change its state, no compare-and-swap is needed here.
func (l *VersionedLock) Release() {
	ts := l.Sample()
	l.state.Store(pack(false, ts.Version))
}

// ReleaseWithVersion clears the locked bit and installs newVersion in one
// atomic step. The caller must currently hold the lock, and newVersion must
// be greater than or equal to the lock's current version.
func (l *VersionedLock) ReleaseWithVersion(newVersion uint64) {
	l.state.Store(pack(false, newVersion))
}
