// Package stm implements the TL2-style transaction protocol: begin, read,
// write, commit, alloc and free, driving the versioned locks and segment
// table exposed by package region. It is the direct generalisation of the
// teacher's per-connection transaction lifecycle (mvcc/transaction.go,
// mvcc/connection.go) from a single-threaded key/value log to a
// concurrent, word-granular memory region.
package stm

import (
	"github.com/mukeshjc/mvcc-isolation/v2/region"
)

// state is a transaction's position in the ACTIVE -> {COMMITTED, ABORTED}
// state machine from spec.md §4.3.
type state uint8

const (
	stateActive state = iota
	stateCommitted
	stateAborted
)

// Transaction is a single in-flight unit of work against a Region. It is
// created by Begin and destroyed by Commit or by a Read that fails, so a
// handle must never be reused after either returns. A Write rejected for
// an invalid size does not destroy it; the transaction stays active.
type Transaction struct {
	ro    bool
	rv    uint64
	wv    uint64
	state state

	readSet  region.ReadSet
	writeSet region.WriteSet
}

// ReadOnly reports whether this transaction was opened with ro=true.
func (t *Transaction) ReadOnly() bool { return t.ro }

// ReadVersion returns the snapshot of the global clock taken at Begin.
func (t *Transaction) ReadVersion() uint64 { return t.rv }

// WriteVersion returns the version this transaction committed at. It is
// only meaningful after a successful, non-read-only Commit.
func (t *Transaction) WriteVersion() uint64 { return t.wv }
