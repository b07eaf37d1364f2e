// Package exchange moves blocks between fragments running on different nodes.
//
// A Sender processor terminates the producing fragment on every node it runs
// on; a Receiver processor starts the consuming fragment. Between them sits a
// Transport that delivers opaque messages addressed by node and fragment id.
// Payloads are Arrow IPC streams.
package exchange

import (
	"context"
	"errors"

	"github.com/sandboxws/isotope/query/pkg/execerr"
)

// Kind is the type of an exchange message.
type Kind int

const (
	// Data carries one encoded block.
	Data Kind = iota
	// EOS tells the receiver that the sender has nothing more to send.
	EOS
	// Failure tells the receiver that the sending fragment failed.
	Failure
)

func (k Kind) String() string {
	switch k {
	case Data:
		return "data"
	case EOS:
		return "eos"
	case Failure:
		return "failure"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "data":
		return Data, nil
	case "eos":
		return EOS, nil
	case "failure":
		return Failure, nil
	default:
		return 0, errors.New("unknown exchange message kind " + s)
	}
}

// Message is the unit a Transport delivers.
type Message struct {
	// From is the id of the sending node.
	From string
	// Fragment is the id of the fragment that produced the message.
	Fragment string
	Kind     Kind
	// Payload is the encoded block of a Data message.
	Payload []byte
	// ErrKind and Err describe the failure of a Failure message.
	ErrKind execerr.Kind
	Err     string
}

// Transport delivers messages between nodes. Messages from one sender to one
// fragment arrive in the order they were sent. Send may block while the
// receiving side is full; both calls return when ctx is done.
type Transport interface {
	Send(ctx context.Context, node, fragment string, msg Message) error
	Receive(ctx context.Context, fragment string) (Message, error)
}

// Discarder is implemented by transports that can drop everything still
// addressed to a fragment whose receiver stopped early.
type Discarder interface {
	Discard(fragment string)
}

// ErrUnknownNode is returned when sending to a node the transport does not know.
var ErrUnknownNode = errors.New("exchange: unknown node")

// ErrClosed is returned by a transport that was closed.
var ErrClosed = errors.New("exchange: transport closed")
