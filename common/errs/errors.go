// Package errs declares the error kinds the storage engine can return.
package errs

import "errors"

// Kind classifies an error returned by the engine.
type Kind int

const (
	KindUnknown Kind = iota
	KindIO
	KindCorruption
	KindCapacity
	KindContract
	KindValidation
	KindDuplicateKey
)

var (
	// ErrIO wraps a failure talking to the backing file.
	ErrIO = errors.New("errs: io error")

	// ErrCorruption indicates on-disk state that cannot be trusted: bad
	// magic, impossible tree depth, an LSN regression on replay, a missing
	// serializer id.
	ErrCorruption = errors.New("errs: corruption")

	// ErrCapacity indicates out-of-space or an entry larger than the page
	// budget.
	ErrCapacity = errors.New("errs: capacity exceeded")

	// ErrContract indicates a caller violated an API contract: index out
	// of range, wrong flag transition, null key on a non-null index,
	// backward iteration requested on a forward cursor.
	ErrContract = errors.New("errs: contract violation")

	// ErrValidation indicates a validator vetoed an update; the tree is
	// unchanged.
	ErrValidation = errors.New("errs: validation rejected")

	// ErrDuplicateKey indicates a unique-index insertion conflict.
	ErrDuplicateKey = errors.New("errs: duplicate key")

	// ErrNotFound indicates the requested key/index/page does not exist.
	ErrNotFound = errors.New("errs: not found")

	// ErrClosed indicates an operation on a closed component.
	ErrClosed = errors.New("errs: closed")
)

// Classify maps an error produced by the engine to its Kind. Errors not
// wrapping one of the package sentinels classify as KindUnknown.
func Classify(err error) Kind {
	switch {
	case errors.Is(err, ErrIO):
		return KindIO
	case errors.Is(err, ErrCorruption):
		return KindCorruption
	case errors.Is(err, ErrCapacity):
		return KindCapacity
	case errors.Is(err, ErrContract):
		return KindContract
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrDuplicateKey):
		return KindDuplicateKey
	default:
		return KindUnknown
	}
}
