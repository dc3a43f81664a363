package mboxsync

import (
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
)

// Kind classifies a sync failure per spec.md §7.
type Kind int

const (
	KindIO Kind = iota
	KindIndex
	KindFormatCorruption
	KindUIDExhaustion
	KindPartialSyncInvalid
	KindDiskFull
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindIndex:
		return "index"
	case KindFormatCorruption:
		return "format corruption"
	case KindUIDExhaustion:
		return "uid exhaustion"
	case KindPartialSyncInvalid:
		return "partial sync invalid"
	case KindDiskFull:
		return "disk full"
	default:
		return "unknown"
	}
}

// Error is a typed sync failure. Critical errors (format corruption class)
// carry a stack trace via eris so operators can locate the offending pass;
// everything else wraps plainly like the rest of this codebase.
type Error struct {
	Kind     Kind
	Critical bool
	Err      error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func ioErr(err error) error {
	return &Error{Kind: KindIO, Err: err}
}

func indexErr(err error) error {
	return &Error{Kind: KindIndex, Err: err}
}

func diskFullErr(err error) error {
	return &Error{Kind: KindDiskFull, Err: err}
}

// critical wraps a format-corruption-class failure with eris so the
// operator-facing stack trace survives up through the driver (spec.md §7:
// "logged as critical").
func critical(format string, args ...any) error {
	return &Error{Kind: KindFormatCorruption, Critical: true, Err: eris.New(fmt.Sprintf(format, args...))}
}

// errPartialInvalid signals the sync loop to abandon a partial pass and
// retry in full mode (spec.md §4.2, §7 class (e)); it is local-recoverable.
// It reaches the caller only wrapped in the driver's "did not converge"
// error, when MaxRetries is 1 and the single partial attempt fails this way.
var errPartialInvalid = errors.New("uid ordering broken in partial mode")

// errRenumberUIDs signals UID space exhaustion (spec.md §4.2, §7 class (d));
// the driver restarts the pass with renumber_uids set.
var errRenumberUIDs = errors.New("next_uid wrapped, renumbering")
