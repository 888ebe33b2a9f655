// Package stmerr defines the error vocabulary shared by the region and
// transaction-protocol packages. Every sentinel below corresponds to one of
// the error kinds a TL2-style commit protocol can produce; callers that need
// to distinguish them should use errors.Is against these values, the
// wrapping only adds a stack trace for diagnosis.
package stmerr

import "github.com/pkg/errors"

var (
	// ErrReadConflict is returned when a read observed a word that was
	// concurrently locked, or whose version exceeds the transaction's rv.
	ErrReadConflict = errors.New("stm: read conflict")

	// ErrLockConflict is returned when a committer could not acquire every
	// lock in its write-set.
	ErrLockConflict = errors.New("stm: commit lock conflict")

	// ErrValidationConflict is returned when a committer's read-set was
	// invalidated by another transaction between begin and commit.
	ErrValidationConflict = errors.New("stm: commit validation conflict")

	// ErrNoMemory is returned when a region cannot satisfy an allocation.
	ErrNoMemory = errors.New("stm: out of memory")

	// ErrTransactionDiscarded is returned by any operation issued on a
	// transaction handle that already failed or committed.
	ErrTransactionDiscarded = errors.New("stm: transaction already discarded")

	// ErrRegionBusy is returned by Destroy while transactions are in flight.
	ErrRegionBusy = errors.New("stm: region has live transactions")

	// ErrInvalidSize is returned when a size or alignment argument violates
	// the region's word-granularity invariant.
	ErrInvalidSize = errors.New("stm: size must be a positive multiple of align")
)

// Wrap annotates err with msg while preserving the sentinel for errors.Is.
func Wrap(err error, msg string) error {
	return errors.Wrap(err, msg)
}
