// Package storagecore implements the storage core of a relational
// database engine: the B-tree file, the vector file and the physical
// page layer that back them.
package storagecore

import (
	"errors"
	"log"
)

// Error taxonomy. These are sentinels; callers use errors.Is to
// classify a failure, and every mutating operation wraps them with
// fmt.Errorf("...: %w", ...) for context.
var (
	// ErrBadDataPage is raised when a PageID exceeds maxPageID or the
	// version store reports a CRC mismatch. No caller in this package
	// catches it; it propagates like any other error.
	ErrBadDataPage = errors.New("storagecore: bad data page")

	// ErrUniquenessViolation is raised by B-tree insertEntry when a
	// predecessor with an equal key already exists.
	ErrUniquenessViolation = errors.New("storagecore: uniqueness violation")

	// ErrBadArgument covers expunge of an absent key, a leaf-only
	// traversal landing on an internal node, and malformed Config.
	ErrBadArgument = errors.New("storagecore: bad argument")

	// ErrNotSupported is the default for page-kind-specific
	// operations invoked against a page kind that does not support
	// them (e.g. allocateArea on a non-manage page).
	ErrNotSupported = errors.New("storagecore: not supported")

	// ErrCancel signals the transaction manager cancelled the
	// operation. It unwinds like any other error: recoverAllPages,
	// then propagate.
	ErrCancel = errors.New("storagecore: cancelled")

	// ErrRecoveryFailed is escalated: the owning file's availability
	// flag is marked false before this is returned (see AvailabilitySink).
	ErrRecoveryFailed = errors.New("storagecore: recovery failed")

	// ErrClosed is returned by Attach on a Subfile that has been
	// closed.
	ErrClosed = errors.New("storagecore: file not open")

	// ErrNotFound is returned by ReadArea for an AreaID whose area has
	// been freed. BTree.Get, VectorFile.Fetch and DirectAreaFile.Get
	// report an absent key/rowID with found=false instead. Kept distinct
	// from ErrBadArgument: a missing read is not a caller mistake, a
	// missing expunge target is.
	ErrNotFound = errors.New("storagecore: not found")
)

// AvailabilitySink is the external hook a Subfile calls when recovery
// itself fails and the file must be marked unavailable at the schema
// layer. Injected at construction instead of reaching into a package
// global, so tests can observe it without a process-wide flag.
type AvailabilitySink func(name string)

func noopSink(string) {}

// LogSink builds an AvailabilitySink that reports the failure through
// logger.
func LogSink(logger *log.Logger) AvailabilitySink {
	return func(name string) {
		logger.Printf("storagecore: %s is now unavailable, recovery failed", name)
	}
}
