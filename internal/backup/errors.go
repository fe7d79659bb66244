package backup

import (
	"errors"
	"fmt"

	"github.com/Chapsvision-dev/keepass-backup/internal/store"
)

// Kind is the closed set of backup failure categories.
type Kind int

const (
	KindInvalidInput Kind = iota + 1
	KindAuthFailure
	KindRemoteError
	KindNotFound
	KindUploadFailed
	KindIntegrityMismatch
	KindDeleteFailed
	KindPromoteFailed
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "InvalidInput"
	case KindAuthFailure:
		return "AuthFailure"
	case KindRemoteError:
		return "RemoteError"
	case KindNotFound:
		return "NotFound"
	case KindUploadFailed:
		return "UploadFailed"
	case KindIntegrityMismatch:
		return "IntegrityMismatch"
	case KindDeleteFailed:
		return "DeleteFailed"
	case KindPromoteFailed:
		return "PromoteFailed"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Sentinels for errors.Is matching on kind.
var (
	ErrInvalidInput      = &Error{Kind: KindInvalidInput}
	ErrAuthFailure       = &Error{Kind: KindAuthFailure}
	ErrRemoteError       = &Error{Kind: KindRemoteError}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrUploadFailed      = &Error{Kind: KindUploadFailed}
	ErrIntegrityMismatch = &Error{Kind: KindIntegrityMismatch}
	ErrDeleteFailed      = &Error{Kind: KindDeleteFailed}
	ErrPromoteFailed     = &Error{Kind: KindPromoteFailed}
)

// Error is the result of a failed run.
type Error struct {
	Kind Kind
	Step string // protocol step that failed
	Msg  string
	Err  error

	// RemoteChanged is false when the store holds exactly what it held before
	// the run, apart from a retained snapshot.
	RemoteChanged bool
	// RollbackAttempted and RollbackOK report the compensation outcome,
	// independently of the triggering failure.
	RollbackAttempted bool
	RollbackOK        bool
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.RollbackAttempted {
		if e.RollbackOK {
			msg += " (rolled back)"
		} else {
			msg += " (rollback incomplete)"
		}
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, ErrPromoteFailed) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// kindFromStore maps a store failure onto the generic remote kinds.
func kindFromStore(err error) Kind {
	switch store.KindOf(err) {
	case store.ErrNotFound:
		return KindNotFound
	case store.ErrAuth:
		return KindAuthFailure
	default:
		return KindRemoteError
	}
}

// KindOf returns the kind of a backup error, or 0 when err is not one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
