package oracle

import "fmt"

// Outcome classifies how an exchange ended.
type Outcome int

const (
	// OutcomeOK means a well-formed reply was received.
	OutcomeOK Outcome = iota
	// OutcomeProtocolMismatch means a reply arrived but had the wrong prefix
	// or an unparsable payload; the default value was substituted.
	OutcomeProtocolMismatch
	// OutcomeTransportFailure means the socket failed or timed out.
	OutcomeTransportFailure
	// OutcomeDisabled means the bridge is switched off and nothing was sent.
	OutcomeDisabled
	// OutcomeCanceled means the caller's ctx was cancelled mid-exchange. It
	// says nothing about the oracle's health.
	OutcomeCanceled
	// OutcomeRejected means the oracle confirmed an update that the
	// directory then refused to store.
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeProtocolMismatch:
		return "protocol_mismatch"
	case OutcomeTransportFailure:
		return "transport_failure"
	case OutcomeDisabled:
		return "disabled"
	case OutcomeCanceled:
		return "canceled"
	case OutcomeRejected:
		return "rejected"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Result carries a query value together with how it was obtained. Value
// always holds something usable: the documented default unless Outcome is
// OutcomeOK.
type Result[T any] struct {
	Value T
	TxID  string
	RxID  string

	Outcome Outcome
	// Reply is the raw reply text, if any arrived.
	Reply string
	// Err is set for transport failures and cancellation; protocol
	// mismatches are absorbed.
	Err error
}

// OK reports whether the oracle answered with a usable value.
func (r Result[T]) OK() bool { return r.Outcome == OutcomeOK }
