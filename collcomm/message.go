package collcomm

// A Kind identifies the purpose of a Message.
type Kind uint8

const (
	KindBroadcast Kind = iota + 1
	KindScatter
	KindReduce
	KindArrive
	KindRelease
	KindAbort
)

func (k Kind) String() string {
	switch k {
	case KindBroadcast:
		return "broadcast"
	case KindScatter:
		return "scatter"
	case KindReduce:
		return "reduce"
	case KindArrive:
		return "barrier-arrive"
	case KindRelease:
		return "barrier-release"
	case KindAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// A Message is the unit of point-to-point communication
// underneath the collectives.
type Message struct {
	Kind   Kind
	Source int

	// Seq is the sender's collective call counter.
	// Every rank numbers its calls the same way, so
	// messages for different calls never get mixed up.
	Seq uint64

	// Root is the root the sender passed to the call.
	Root int

	Payload []int64

	// Class and Reason are only set on abort messages.
	Class  ErrorClass
	Reason string
}

// Size approximates the encoded size of the message in
// bytes.
func (m *Message) Size() float64 {
	const header = 1 + 8 + 8 + 8 + 1
	return float64(header + len(m.Payload)*8 + len(m.Reason))
}

// Clone returns a deep copy of the message, so that the
// receiver shares no memory with the sender.
func (m *Message) Clone() *Message {
	res := *m
	if m.Payload != nil {
		res.Payload = append([]int64(nil), m.Payload...)
	}
	return &res
}

// A Transport moves Messages between the ranks of a group.
//
// Each rank has its own Transport.
// Sends must not block on the receiver, and Recv returns
// messages addressed to this rank from any source.
type Transport interface {
	Send(dst int, msg *Message) error
	Recv() (*Message, error)
	Close() error
}
