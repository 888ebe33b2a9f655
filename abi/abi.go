// Package abi is the thin translation layer between the opaque handles a
// C-style caller deals with and the stm/region engine underneath. It
// mirrors spec.md §6's operation table exactly (same verbs, same argument
// order, same boolean/enum returns) using the "opaque integer tokens + an
// internal registry" strategy spec.md §9 recommends for porting
// pointer-hiding handles to Go. Structurally it plays the role the
// teacher's Connection.ExecCommand dispatch loop plays for mvcc-isolation:
// a single narrow surface translating external verbs into engine calls.
package abi

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/mukeshjc/mvcc-isolation/v2/region"
	"github.com/mukeshjc/mvcc-isolation/v2/stm"
)

// SharedHandle is the opaque handle to a region, the Go analogue of the
// reference ABI's shared_t.
type SharedHandle uint64

// TxHandle is the opaque handle to a transaction, the Go analogue of tx_t.
type TxHandle uint64

// InvalidShared and InvalidTx are the sentinel values returned on failure,
// matching spec.md §6's invalid_shared / invalid_tx.
const (
	InvalidShared SharedHandle = 0
	InvalidTx     TxHandle     = 0
)

// AllocResult mirrors spec.md §6/§7's three-valued allocation outcome at
// the ABI boundary.
type AllocResult uint8

const (
	AllocSuccess AllocResult = iota
	AllocNoMem
	AllocAbort
)

var (
	nextShared atomic.Uint64
	sharedReg  sync.Map // SharedHandle -> *stm.Engine

	nextTx  atomic.Uint64
	txReg   sync.Map // TxHandle -> *stm.Transaction
	txOwner sync.Map // TxHandle -> SharedHandle
)

// Create constructs a new region of the given size and alignment and
// returns a handle to it, or InvalidShared if construction failed.
func Create(size, align uint64) SharedHandle {
	e, err := stm.New(size, region.Config{Align: align})
	if err != nil {
		return InvalidShared
	}

	h := SharedHandle(nextShared.Add(1))
	sharedReg.Store(h, e)
	return h
}

// Destroy releases shared. Precondition: no live transactions.
func Destroy(shared SharedHandle) bool {
	e, ok := lookupShared(shared)
	if !ok {
		return false
	}
	if err := e.Destroy(); err != nil {
		return false
	}
	sharedReg.Delete(shared)
	return true
}

// Start returns the logical base address of shared's first segment.
func Start(shared SharedHandle) (region.Addr, bool) {
	e, ok := lookupShared(shared)
	if !ok {
		return 0, false
	}
	return e.Start(), true
}

// Size returns the size in bytes of shared's first segment.
func Size(shared SharedHandle) (uint64, bool) {
	e, ok := lookupShared(shared)
	if !ok {
		return 0, false
	}
	return e.Size(), true
}

// Align returns shared's word width in bytes.
func Align(shared SharedHandle) (uint64, bool) {
	e, ok := lookupShared(shared)
	if !ok {
		return 0, false
	}
	return e.Align(), true
}

// Begin opens a new transaction against shared and returns a handle to it.
// Begin never fails in normal operation; it returns InvalidTx only if
// shared itself is not a live handle.
func Begin(shared SharedHandle, ro bool) TxHandle {
	e, ok := lookupShared(shared)
	if !ok {
		return InvalidTx
	}

	tx := e.Begin(ro)
	h := TxHandle(nextTx.Add(1))
	txReg.Store(h, tx)
	txOwner.Store(h, shared)
	return h
}

// Read copies n bytes starting at src into dst on behalf of tx. false
// aborts (and frees) tx.
func Read(shared SharedHandle, tx TxHandle, src region.Addr, n uint64, dst []byte) bool {
	e, t, ok := lookupPair(shared, tx)
	if !ok {
		return false
	}
	ok, _ = e.Read(t, src, n, dst)
	if !ok {
		forget(tx)
	}
	return ok
}

// Write stages n bytes from src to be published at dst on commit. Always
// returns true.
func Write(shared SharedHandle, tx TxHandle, src []byte, n uint64, dst region.Addr) bool {
	e, t, ok := lookupPair(shared, tx)
	if !ok {
		return false
	}
	ok, _ = e.Write(t, dst, src, n)
	return ok
}

// End commits tx. true means committed; either way the handle is
// consumed and must not be reused.
func End(shared SharedHandle, tx TxHandle) bool {
	e, t, ok := lookupPair(shared, tx)
	if !ok {
		return false
	}
	committed, _ := e.Commit(t)
	forget(tx)
	return committed
}

// Alloc assigns a new segment of size bytes and writes its base logical
// address into *out.
func Alloc(shared SharedHandle, tx TxHandle, size uint64, out *region.Addr) AllocResult {
	e, t, ok := lookupPair(shared, tx)
	if !ok {
		return AllocAbort
	}

	res, _ := e.Alloc(t, size, out)
	switch res {
	case stm.AllocSuccess:
		return AllocSuccess
	case stm.AllocNoMem:
		return AllocNoMem
	default:
		return AllocAbort
	}
}

// Free always returns true; segments are freed only at region destruction.
func Free(shared SharedHandle, tx TxHandle, seg region.Addr) bool {
	e, t, ok := lookupPair(shared, tx)
	if !ok {
		return false
	}
	ok, _ = e.Free(t, seg)
	return ok
}

func lookupShared(shared SharedHandle) (*stm.Engine, bool) {
	v, ok := sharedReg.Load(shared)
	if !ok {
		return nil, false
	}
	return v.(*stm.Engine), true
}

func lookupPair(shared SharedHandle, tx TxHandle) (*stm.Engine, *stm.Transaction, bool) {
	e, ok := lookupShared(shared)
	if !ok {
		return nil, nil, false
	}
	v, ok := txReg.Load(tx)
	if !ok {
		return nil, nil, false
	}
	return e, v.(*stm.Transaction), true
}

func forget(tx TxHandle) {
	txReg.Delete(tx)
	txOwner.Delete(tx)
}
