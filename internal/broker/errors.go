package broker

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	// KindTransient covers timeouts, rate limits, 5xx and network failures.
	KindTransient
	KindPriceUnavailable
	KindModifyRejected
	KindCloseRejected
	KindOrderRejected
	KindNotFound
	KindAuth
)

var kindNames = map[Kind]string{
	KindUnknown:          "unknown",
	KindTransient:        "transient",
	KindPriceUnavailable: "price_unavailable",
	KindModifyRejected:   "modify_rejected",
	KindCloseRejected:    "close_rejected",
	KindOrderRejected:    "order_rejected",
	KindNotFound:         "not_found",
	KindAuth:             "auth",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the typed failure every Client method returns.
type Error struct {
	Kind   Kind
	Broker string
	Op     string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %s: %v", e.Broker, e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Broker, e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(kind Kind, broker, op string, err error) *Error {
	return &Error{Kind: kind, Broker: broker, Op: op, Err: err}
}

// KindOf extracts the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindUnknown
}

func HasKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func IsTransient(err error) bool {
	return HasKind(err, KindTransient)
}

// KindForStatus maps an HTTP status code to an error kind. fallback is used
// for 4xx codes that have no generic meaning.
func KindForStatus(code int, fallback Kind) Kind {
	switch {
	case code == 401 || code == 403:
		return KindAuth
	case code == 404:
		return KindNotFound
	case code == 429 || code >= 500:
		return KindTransient
	}
	return fallback
}

// Transport wraps an error raised before a response was read: timeouts,
// refused connections, resets. All of them are retried next cycle.
func Transport(broker, op string, err error) *Error {
	return NewError(KindTransient, broker, op, err)
}
