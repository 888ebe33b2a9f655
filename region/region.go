// Package region implements the shared-memory region that backs the STM
// engine: a segment table addressed by logical addresses, a monotonic
// global version clock, and the lock/validate/commit helpers the protocol
// engine drives during a transaction's lifetime. It corresponds to the
// reference implementation's Region (tl2/region.hpp), with a segment table
// whose capacity is fixed when the region is created.
package region

import (
	"go.uber.org/atomic"

	"github.com/mukeshjc/mvcc-isolation/v2/stmerr"
	"github.com/mukeshjc/mvcc-isolation/v2/vlock"
)

// segmentIDBits is the width of the offset portion of a logical address;
// the reference implementation places the segment id in the high 32 bits
// and the in-segment word offset in the low 32 bits (tl2/region.hpp's
// kFIRST = 1<<32). That split bounds a single segment to 4 GiB, far above
// any size this package's default configuration ever allocates.
const segmentIDBits = 32

// Addr is a logical address: segment id in the high bits, word offset
// (always a multiple of the region's align) in the low bits. The zero
// value is reserved as "null" and is never returned by Allocate.
type Addr uint64

func makeAddr(segmentID uint32, offset uint32) Addr {
	return Addr(uint64(segmentID)<<segmentIDBits | uint64(offset))
}

// SegmentID returns the segment-id component of addr.
func (a Addr) SegmentID() uint32 {
	return uint32(uint64(a) >> segmentIDBits)
}

// Offset returns the in-segment byte offset component of addr.
func (a Addr) Offset() uint32 {
	return uint32(uint64(a))
}

// Word is the unit of versioning and locking: an align-byte payload guarded
// by one versioned lock.
type Word struct {
	Lock    vlock.VersionedLock
	Payload []byte
}

// Segment is a contiguous array of words, all of the same region alignment.
type Segment struct {
	Size  uint64
	Words []Word
}

func newSegment(size uint64, align uint64) *Segment {
	nWords := size / align
	s := &Segment{Size: size, Words: make([]Word, nWords)}
	for i := range s.Words {
		s.Words[i].Payload = make([]byte, align)
	}
	return s
}

// Config controls a region's geometry. A zero SegmentCapacity or
// WordsPerSegment is replaced with the reference implementation's defaults
// (tl2/region.hpp: 512 segments of 1024 words apiece); a zero Align is
// rejected.
type Config struct {
	// Align is the word width in bytes; every read/write size and address
	// must be a multiple of it. Must be a power of two.
	Align uint64
	// SegmentCapacity bounds how many segments a region may ever hold.
	SegmentCapacity uint32
	// WordsPerSegment sizes the first segment when New is given a size of
	// 0. Allocate does not use it: every allocation names its own size.
	WordsPerSegment uint32
}

const (
	defaultSegmentCapacity = 512
	defaultWordsPerSegment = 1024
)

func (c Config) withDefaults() Config {
	if c.SegmentCapacity == 0 {
		c.SegmentCapacity = defaultSegmentCapacity
	}
	if c.WordsPerSegment == 0 {
		c.WordsPerSegment = defaultWordsPerSegment
	}
	return c
}

// Region is the unit of shared memory: a bounded segment table, a
// monotonic segment-id allocator, and the global version clock shared by
// every transaction in flight against it.
type Region struct {
	align     uint64
	firstSize uint64

	// segments is a fixed-capacity table of segment pointers, indexed by
	// segment id - 1. atomic.Pointer gives every allocation a publication
	// point any reader can safely observe without a lock, the same role
	// an atomic CAS-based cell array plays for per-address shadow state
	// elsewhere in this pack's concurrency-heavy examples.
	segments []atomic.Pointer[Segment]

	gvc     atomic.Uint64
	nextSeg atomic.Uint32 // next segment id to hand out; starts at 1

	liveTxns atomic.Int64
}

// New constructs a region whose first segment has the given size in bytes.
// size must be a positive multiple of cfg.Align.
func New(size uint64, cfg Config) (*Region, error) {
	cfg = cfg.withDefaults()
	if cfg.Align == 0 || cfg.Align&(cfg.Align-1) != 0 {
		return nil, stmerr.Wrap(stmerr.ErrInvalidSize, "align must be a power of two")
	}
	if size == 0 {
		size = uint64(cfg.WordsPerSegment) * cfg.Align
	}
	if size%cfg.Align != 0 {
		return nil, stmerr.Wrap(stmerr.ErrInvalidSize, "region size must be a positive multiple of align")
	}

	r := &Region{
		align:     cfg.Align,
		firstSize: size,
		segments:  make([]atomic.Pointer[Segment], cfg.SegmentCapacity),
	}
	// Segment id 1 ("first segment") is consumed here; Allocate hands out
	// ids starting from 2.
	r.nextSeg.Store(2)
	r.segments[0].Store(newSegment(size, cfg.Align))
	return r, nil
}

// Align returns the region's word width.
func (r *Region) Align() uint64 { return r.align }

// FirstSize returns the size in bytes of the first segment.
func (r *Region) FirstSize() uint64 { return r.firstSize }

// Start returns the logical base address of the first segment. It is never
// zero: segment ids start at 1, so 0 stays reserved for "null".
func (r *Region) Start() Addr { return makeAddr(1, 0) }

// GVC returns the current value of the global version clock. Exposed for
// begin's read-version snapshot and for tests of testable property 1
// (monotonic clock).
func (r *Region) GVC() uint64 { return r.gvc.Load() }

// BumpGVC atomically increments the global version clock and returns the
// post-increment value, the write-version a commit installs at every word
// it publishes.
func (r *Region) BumpGVC() uint64 { return r.gvc.Add(1) }

// LiveTransactions reports how many transactions are currently between
// Begin and Commit/abort. Destroy refuses to proceed while this is nonzero.
func (r *Region) LiveTransactions() int64 { return r.liveTxns.Load() }

// TrackBegin and TrackEnd bracket a transaction's lifetime for
// LiveTransactions bookkeeping; the protocol engine calls these, callers of
// this package directly should not.
func (r *Region) TrackBegin() { r.liveTxns.Add(1) }
func (r *Region) TrackEnd()   { r.liveTxns.Add(-1) }

// Word resolves a logical address to the word slot it names.
func (r *Region) Word(addr Addr) *Word {
	seg := r.segments[addr.SegmentID()-1].Load()
	return &seg.Words[addr.Offset()/uint32(r.align)]
}

// Allocate assigns a fresh segment id and constructs a zeroed, version-0
// segment of the requested size, returning its base logical address.
// Allocation is not transactional: the new segment is immediately visible
// to every transaction, which is sound because nobody could have observed
// its (zeroed) words before this call returned.
func (r *Region) Allocate(size uint64) (Addr, error) {
	if size == 0 || size%r.align != 0 {
		return 0, stmerr.Wrap(stmerr.ErrInvalidSize, "segment size must be a positive multiple of align")
	}

	id := r.nextSeg.Add(1) - 1
	if id > uint32(len(r.segments)) {
		return 0, stmerr.ErrNoMemory
	}

	r.segments[id-1].Store(newSegment(size, r.align))
	return makeAddr(id, 0), nil
}

// LockWriteSet acquires every word lock named by ws, in ws's ascending
// address order, via TryAcquire. On the first failure it releases every
// lock it had already acquired and returns false: spec.md §4.2's
// deadlock-avoidance rule for concurrent committers. Acquisition does not
// depend on the committer's read-version - a word's lock is acquirable
// regardless of how stale its stored version is; only ValidateReadSet
// checks versions against rv.
func (r *Region) LockWriteSet(ws *WriteSet) bool {
	locked := make([]*Word, 0, ws.Len())

	ok := true
	ws.Each(func(addr Addr, _ []byte) bool {
		w := r.Word(addr)
		if !w.Lock.TryAcquire() {
			ok = false
			return false
		}
		locked = append(locked, w)
		return true
	})
	if ok {
		return true
	}

	for _, w := range locked {
		w.Lock.Release()
	}
	return false
}

// UnlockWriteSet releases every lock in ws without changing any version,
// used on the commit-validation-failure path.
func (r *Region) UnlockWriteSet(ws *WriteSet) {
	ws.Each(func(addr Addr, _ []byte) bool {
		r.Word(addr).Lock.Release()
		return true
	})
}

// ValidateReadSet samples every address in rs and rejects the transaction
// if any of them is currently locked by another transaction or carries a
// version newer than rv. This is called only after LockWriteSet has
// already run, so a read-set entry that is also in this transaction's own
// write-set would read back locked and be reported as a conflict; the
// engine's Commit leaves such entries out of the set it passes here and
// checks their versions against rv itself.
func (r *Region) ValidateReadSet(rs *ReadSet, rv uint64) bool {
	ok := true
	rs.Each(func(addr Addr) bool {
		ts := r.Word(addr).Lock.Sample()
		if ts.Locked || ts.Version > rv {
			ok = false
			return false
		}
		return true
	})
	return ok
}

// Commit publishes every pending value in ws and releases its locks at wv.
// Called only once LockWriteSet has succeeded (and, off the fast path,
// ValidateReadSet too), so every word in ws is held by this committer.
func (r *Region) Commit(ws *WriteSet, wv uint64) {
	ws.Each(func(addr Addr, value []byte) bool {
		w := r.Word(addr)
		copy(w.Payload, value)
		w.Lock.ReleaseWithVersion(wv)
		return true
	})
}
