package stm

import (
	"go.uber.org/zap"

	"github.com/mukeshjc/mvcc-isolation/v2/internal/assert"
	"github.com/mukeshjc/mvcc-isolation/v2/region"
	"github.com/mukeshjc/mvcc-isolation/v2/stmerr"
)

// AllocResult mirrors spec.md §6/§7's three-valued allocation outcome.
// Abort is carried for symmetry with other STM designs' ABI; this engine
// produces it only when Alloc is called on a transaction that has already
// committed or aborted.
type AllocResult uint8

const (
	AllocSuccess AllocResult = iota
	AllocNoMem
	AllocAbort
)

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithLogger attaches a structured logger; Debug-level entries are emitted
// for commit contention, validation failures, read aborts and allocation
// failures.
// Diagnostics only, they never influence control flow. The default, when
// no logger is supplied, is a no-op logger so the library stays silent.
func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// Engine is the protocol driver: it owns a Region and implements the
// begin/read/write/commit/alloc/free state machine of spec.md §4.3 on top
// of it. It is the Go-native counterpart of the reference tm_* functions
// (tl2/tm.cpp), generalised to a struct-based API instead of a free
// function set operating on an opaque shared_t.
type Engine struct {
	r   *region.Region
	log *zap.Logger
}

// New constructs an Engine around a freshly created region whose first
// segment is size bytes, word-granular at cfg.Align.
func New(size uint64, cfg region.Config, opts ...Option) (*Engine, error) {
	r, err := region.New(size, cfg)
	if err != nil {
		return nil, err
	}
	e := &Engine{r: r, log: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Destroy releases the engine's region. Precondition: no live transactions.
func (e *Engine) Destroy() error {
	if n := e.r.LiveTransactions(); n != 0 {
		return stmerr.ErrRegionBusy
	}
	return nil
}

// Start returns the logical base address of the first segment.
func (e *Engine) Start() region.Addr { return e.r.Start() }

// Size returns the size in bytes of the first segment.
func (e *Engine) Size() uint64 { return e.r.FirstSize() }

// Align returns the region's word width in bytes.
func (e *Engine) Align() uint64 { return e.r.Align() }

// Begin opens a new transaction, snapshotting the global clock into its
// read-version. Begin never fails in normal operation.
func (e *Engine) Begin(ro bool) *Transaction {
	e.r.TrackBegin()
	return &Transaction{
		ro:    ro,
		rv:    e.r.GVC(),
		state: stateActive,
	}
}

func validSpan(size, align uint64) bool {
	return size > 0 && size%align == 0
}

// Read copies size bytes starting at srcAddr into dst, word by word,
// following spec.md §4.3's six-step read protocol: self-read-your-write
// for non-RO transactions, then a lock-sample/payload-read/lock-sample
// sandwich guarding against a torn read racing a concurrent committer. A
// failure transitions the transaction to ABORTED and frees its handle;
// callers must not reuse tx afterwards.
func (e *Engine) Read(tx *Transaction, srcAddr region.Addr, size uint64, dst []byte) (bool, error) {
	if tx.state != stateActive {
		return false, stmerr.ErrTransactionDiscarded
	}
	align := e.r.Align()
	if !validSpan(size, align) || uint64(len(dst)) < size {
		// Every false return from Read deallocates the transaction record
		// (spec.md §4.3's failure semantics apply uniformly, not only to
		// protocol-level conflicts), so the live-transaction count this
		// abort call decrements stays balanced with abi's handle registry.
		e.abort(tx, "invalid read size")
		return false, stmerr.Wrap(stmerr.ErrInvalidSize, "read size must be a positive multiple of align")
	}

	for offset := uint64(0); offset < size; offset += align {
		addr := srcAddr + region.Addr(offset)
		out := dst[offset : offset+align]

		if !tx.ro {
			if pending, ok := tx.writeSet.Get(addr); ok {
				copy(out, pending)
				continue
			}
		}

		w := e.r.Word(addr)
		pre := w.Lock.Sample()
		copy(out, w.Payload)
		post := w.Lock.Sample()

		if pre.Locked || post.Locked || pre.Version != post.Version || post.Version > tx.rv {
			e.abort(tx, "read conflict")
			return false, stmerr.ErrReadConflict
		}

		if !tx.ro {
			if _, inWriteSet := tx.writeSet.Get(addr); !inWriteSet {
				tx.readSet.Add(addr)
			}
		}
	}

	return true, nil
}

// Write stages size bytes from src to be published at dstAddr+offset on
// commit, overwriting any prior pending value at the same address
// (last-writer-wins). Writes never abort. tx must not be read-only.
func (e *Engine) Write(tx *Transaction, dstAddr region.Addr, src []byte, size uint64) (bool, error) {
	if tx.state != stateActive {
		return false, stmerr.ErrTransactionDiscarded
	}
	assert.That(!tx.ro, "write on a read-only transaction")
	align := e.r.Align()
	if !validSpan(size, align) || uint64(len(src)) < size {
		return false, stmerr.Wrap(stmerr.ErrInvalidSize, "write size must be a positive multiple of align")
	}

	for offset := uint64(0); offset < size; offset += align {
		addr := dstAddr + region.Addr(offset)
		buf := make([]byte, align)
		copy(buf, src[offset:offset+align])
		tx.writeSet.Put(addr, buf)
	}

	return true, nil
}

// Commit runs spec.md §4.3's five-step commit protocol: read-only
// transactions release for free; others lock their write-set in
// deterministic order, take a write-version from the global clock, skip
// validation on the fast path (rv+1==wv), otherwise validate the read-set,
// then publish. Either every pending write becomes visible at wv, or none
// does.
func (e *Engine) Commit(tx *Transaction) (bool, error) {
	if tx.state != stateActive {
		return false, stmerr.ErrTransactionDiscarded
	}
	defer e.r.TrackEnd()

	if tx.ro {
		tx.state = stateCommitted
		return true, nil
	}

	if !e.r.LockWriteSet(&tx.writeSet) {
		tx.state = stateAborted
		e.log.Debug("commit lock conflict", zap.Uint64("rv", tx.rv))
		return false, stmerr.ErrLockConflict
	}

	// BumpGVC already returns the post-increment value, i.e. the fetched
	// value plus one - spec.md §4.3 step 3's wv, not wv+1.
	tx.wv = e.r.BumpGVC()

	if tx.rv+1 == tx.wv {
		e.r.Commit(&tx.writeSet, tx.wv)
		tx.state = stateCommitted
		return true, nil
	}

	// Words read and then written by tx are locked by tx itself now, so
	// they are checked by version alone; ValidateReadSet gets the rest.
	var others region.ReadSet
	valid := true
	tx.readSet.Each(func(addr region.Addr) bool {
		if _, own := tx.writeSet.Get(addr); !own {
			others.Add(addr)
			return true
		}
		valid = e.r.Word(addr).Lock.Sample().Version <= tx.rv
		return valid
	})
	if !valid || !e.r.ValidateReadSet(&others, tx.rv) {
		e.r.UnlockWriteSet(&tx.writeSet)
		tx.state = stateAborted
		e.log.Debug("commit validation conflict", zap.Uint64("rv", tx.rv), zap.Uint64("wv", tx.wv))
		return false, stmerr.ErrValidationConflict
	}

	e.r.Commit(&tx.writeSet, tx.wv)
	tx.state = stateCommitted
	return true, nil
}

// Alloc assigns a new segment of size bytes and writes its base logical
// address into *out. Allocation is not transactional: it is visible to
// every transaction the instant it returns, which is sound because no
// other transaction could already have observed this segment's (zeroed)
// words.
func (e *Engine) Alloc(tx *Transaction, size uint64, out *region.Addr) (AllocResult, error) {
	if tx.state != stateActive {
		return AllocAbort, stmerr.ErrTransactionDiscarded
	}

	addr, err := e.r.Allocate(size)
	if err != nil {
		e.log.Debug("allocation failed", zap.Uint64("size", size), zap.Error(err))
		return AllocNoMem, err
	}
	*out = addr
	return AllocSuccess, nil
}

// Free always reports success: segments are freed only at region
// destruction (spec.md §4.2/§4.3).
func (e *Engine) Free(tx *Transaction, addr region.Addr) (bool, error) {
	if tx.state != stateActive {
		return false, stmerr.ErrTransactionDiscarded
	}
	return true, nil
}

func (e *Engine) abort(tx *Transaction, reason string) {
	tx.state = stateAborted
	e.r.TrackEnd()
	e.log.Debug("transaction aborted", zap.String("reason", reason), zap.Uint64("rv", tx.rv))
}
