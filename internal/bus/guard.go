package bus

import "sync/atomic"

// Outcome is the terminal resolution of a guarded message.
type Outcome int32

const (
	Unresolved Outcome = iota
	Acked
	Nacked
)

func (o Outcome) String() string {
	switch o {
	case Acked:
		return "ack"
	case Nacked:
		return "nak"
	default:
		return "unresolved"
	}
}

// Guarded wraps a Message so that exactly one of Ack or Nak reaches the
// underlying message.
type Guarded struct {
	Message
	state atomic.Int32
}

// Guard wraps m. Guarding an already guarded message returns it unchanged.
func Guard(m Message) *Guarded {
	if g, ok := m.(*Guarded); ok {
		return g
	}
	return &Guarded{Message: m}
}

// Ack acknowledges the message if it is unresolved.
func (g *Guarded) Ack() error {
	if !g.state.CompareAndSwap(int32(Unresolved), int32(Acked)) {
		return ErrAlreadyResolved
	}
	return g.Message.Ack()
}

// Nak negatively acknowledges the message if it is unresolved.
func (g *Guarded) Nak() error {
	if !g.state.CompareAndSwap(int32(Unresolved), int32(Nacked)) {
		return ErrAlreadyResolved
	}
	return g.Message.Nak()
}

// Outcome returns the current resolution.
func (g *Guarded) Outcome() Outcome {
	return Outcome(g.state.Load())
}
