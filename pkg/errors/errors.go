package errors

import (
	"fmt"

	"github.com/ascrivener/dbt/pkg/types"

	crdb "github.com/cockroachdb/errors"
)

// ErrCapacityExhausted is returned when the code arena or the TB pool cannot
// satisfy an allocation. Callers recover by flushing the whole cache and
// retrying once; it never reaches the guest.
var ErrCapacityExhausted = crdb.New("translation cache capacity exhausted")

// GuestFault is the page-fault equivalent raised by the softmmu slow path when
// the guest MMU walk fails. It is a control transfer for the dispatcher, not a
// failure of the cache itself.
type GuestFault struct {
	Addr  types.GuestAddr
	Kind  types.AccessKind
	Mode  types.MMUMode
	Cause error
}

func (e *GuestFault) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("guest fault on %s at %s (mode %d): %v", e.Kind, e.Addr, e.Mode, e.Cause)
	}
	return fmt.Sprintf("guest fault on %s at %s (mode %d)", e.Kind, e.Addr, e.Mode)
}

func (e *GuestFault) Unwrap() error {
	return e.Cause
}

// AsGuestFault extracts a GuestFault from err's chain.
func AsGuestFault(err error) (*GuestFault, bool) {
	var gf *GuestFault
	if crdb.As(err, &gf) {
		return gf, true
	}
	return nil, false
}

// IsCapacityExhausted checks if err is (or wraps) ErrCapacityExhausted
func IsCapacityExhausted(err error) bool {
	return crdb.Is(err, ErrCapacityExhausted)
}

// Is reports whether err or any error it wraps matches target.
func Is(err, target error) bool {
	return crdb.Is(err, target)
}

// Wrapf annotates err with a formatted message.
func Wrapf(err error, format string, args ...interface{}) error {
	return crdb.Wrapf(err, format, args...)
}

// Newf creates a plain error with a formatted message.
func Newf(format string, args ...interface{}) error {
	return crdb.Newf(format, args...)
}

// AssertionFailedf creates an error marking a broken internal invariant.
func AssertionFailedf(format string, args ...interface{}) error {
	return crdb.AssertionFailedf(format, args...)
}

// IsAssertionFailure reports whether err carries an assertion failure.
func IsAssertionFailure(err error) bool {
	return crdb.HasAssertionFailure(err)
}

// Assertf panics with an assertion failure when cond is false. Consistency
// violations in the cache are never recovered from: continuing could run
// stale native code.
func Assertf(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(crdb.AssertionFailedf(format, args...))
	}
}
