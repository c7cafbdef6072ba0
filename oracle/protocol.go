// Package oracle implements the synchronous datagram protocol spoken with the
// ray-tracing propagation oracle.
//
// Every request is one ASCII line in one UDP datagram. There are no sequence
// numbers, so a reply is matched to its request only by arriving next and
// carrying the expected prefix.
package oracle

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/signalsfoundry/rt-oracle-bridge/model"
)

// Op names a request kind. The value is the request prefix on the wire.
type Op string

const (
	OpMapUpdate   Op = "map_update"
	OpCalcRequest Op = "calc_request"
	OpGetDelay    Op = "get_delay"
	OpLOS         Op = "are_they_LOS"
	OpShutdown    Op = "SHUTDOWN_SIONNA"
)

// Reply prefixes.
const (
	ConfirmationPrefix = "UPDATED"
	PathGainPrefix     = "CALC_DONE:"
	DelayPrefix        = "DELAY:"
	LOSPrefix          = "LOS:"
)

var (
	// ErrUnexpectedReply means the reply did not carry the expected prefix.
	ErrUnexpectedReply = errors.New("unexpected reply")
	// ErrMalformedReply means the prefix matched but the payload did not parse.
	ErrMalformedReply = errors.New("malformed reply")
	// ErrMalformedRequest is returned by ParseRequest.
	ErrMalformedRequest = errors.New("malformed request")
)

// EncodeMapUpdate renders "map_update:<id>,<x>,<y>,<z>,<heading>". Velocity
// is not part of the message.
func EncodeMapUpdate(id string, pos model.Vector, heading float64) string {
	return string(OpMapUpdate) + ":" + strings.Join([]string{
		id,
		model.FormatFloat(pos.X),
		model.FormatFloat(pos.Y),
		model.FormatFloat(pos.Z),
		model.FormatFloat(heading),
	}, ",")
}

// EncodePairRequest renders "<op>:<idA>,<idB>".
func EncodePairRequest(op Op, idA, idB string) string {
	return string(op) + ":" + idA + "," + idB
}

// ConfirmationToken is the exact reply acknowledging a map update of id.
func ConfirmationToken(id string) string {
	return ConfirmationPrefix + id
}

// ParsePathGain extracts the value of a "CALC_DONE:<float>" reply.
func ParsePathGain(reply string) (float64, error) {
	return parsePrefixedFloat(reply, PathGainPrefix)
}

// ParseDelay extracts the value of a "DELAY:<float>" reply.
func ParseDelay(reply string) (float64, error) {
	return parsePrefixedFloat(reply, DelayPrefix)
}

// ParseLOS extracts the token of a "LOS:<token>" reply.
func ParseLOS(reply string) (model.LOSStatus, error) {
	rest, ok := strings.CutPrefix(reply, LOSPrefix)
	if !ok {
		return model.LOSUnknown, fmt.Errorf("%w: want prefix %q, got %q", ErrUnexpectedReply, LOSPrefix, reply)
	}
	token := strings.TrimSpace(rest)
	if token == "" {
		return model.LOSUnknown, fmt.Errorf("%w: empty LOS token", ErrMalformedReply)
	}
	return model.LOSStatus(token), nil
}

func parsePrefixedFloat(reply, prefix string) (float64, error) {
	rest, ok := strings.CutPrefix(reply, prefix)
	if !ok {
		return 0, fmt.Errorf("%w: want prefix %q, got %q", ErrUnexpectedReply, prefix, reply)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(rest), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrMalformedReply, reply, err)
	}
	if math.IsNaN(v) {
		return 0, fmt.Errorf("%w: %q is not a number", ErrMalformedReply, reply)
	}
	return v, nil
}

// Request is a decoded request line, used by oracle implementations.
type Request struct {
	Op   Op
	Args []string
}

// ParseRequest decodes one request line.
func ParseRequest(line string) (Request, error) {
	line = strings.TrimSpace(line)
	if line == string(OpShutdown) {
		return Request{Op: OpShutdown}, nil
	}
	op, rest, ok := strings.Cut(line, ":")
	if !ok {
		return Request{}, fmt.Errorf("%w: %q", ErrMalformedRequest, line)
	}
	args := strings.Split(rest, ",")
	switch Op(op) {
	case OpMapUpdate:
		if len(args) != 5 {
			return Request{}, fmt.Errorf("%w: map_update wants 5 fields, got %d", ErrMalformedRequest, len(args))
		}
	case OpCalcRequest, OpGetDelay, OpLOS:
		if len(args) != 2 {
			return Request{}, fmt.Errorf("%w: %s wants 2 fields, got %d", ErrMalformedRequest, op, len(args))
		}
	default:
		return Request{}, fmt.Errorf("%w: unknown op %q", ErrMalformedRequest, op)
	}
	return Request{Op: Op(op), Args: args}, nil
}
