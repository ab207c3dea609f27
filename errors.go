package qsync

import (
	"errors"
	"fmt"
)

var (
	// ErrIllegalState is the cause of panics raised when a release or a
	// condition operation is attempted by a goroutine that does not hold the
	// synchronizer, or when a Condition is used with a Sync that did not
	// create it. It always indicates a programming error.
	ErrIllegalState = errors.New("qsync: illegal monitor state")

	// ErrInterrupted is returned by interruptible operations when the calling
	// goroutine's Thread was interrupted before or while waiting. The
	// interrupt flag is cleared when it is reported.
	ErrInterrupted = errors.New("qsync: interrupted")

	// ErrOverflow is the cause of panics raised when a hold count or a permit
	// count would exceed its representable range.
	ErrOverflow = errors.New("qsync: count overflow")

	// ErrUnsupported is the cause of panics raised when the Sync is driven in
	// a mode its Hooks do not implement.
	ErrUnsupported = errors.New("qsync: unsupported operation")

	// ErrBrokenBarrier is returned by Rally when the barrier is broken by an
	// interrupted or timed out party, or by Reset.
	ErrBrokenBarrier = errors.New("qsync: broken barrier")

	// ErrTimeout is returned by Rally.MeetTimeout when the other parties did
	// not arrive in time. The barrier is broken as a result.
	ErrTimeout = errors.New("qsync: timed out")
)

func illegalState(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrIllegalState}, args...)...)
}

func overflow(what string) error {
	return fmt.Errorf("%w: maximum %s exceeded", ErrOverflow, what)
}
