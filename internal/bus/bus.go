// Package bus defines the durable publish/subscribe contract used by every
// worker: publishing, durable queue-grouped consumers, and explicit ack/nak.
// Implementations live in jsbus (NATS JetStream) and membus (in-process).
package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/relay/internal/streams"
)

// DeliverPolicy selects where a new consumer starts reading.
type DeliverPolicy int

const (
	// DeliverAll replays every retained message.
	DeliverAll DeliverPolicy = iota
	// DeliverNew starts with messages published after the consumer is created.
	DeliverNew
)

func (p DeliverPolicy) String() string {
	switch p {
	case DeliverAll:
		return "all"
	case DeliverNew:
		return "new"
	default:
		return fmt.Sprintf("DeliverPolicy(%d)", int(p))
	}
}

// ParseDeliverPolicy parses "all" or "new".
func ParseDeliverPolicy(s string) (DeliverPolicy, error) {
	switch s {
	case "", "all":
		return DeliverAll, nil
	case "new":
		return DeliverNew, nil
	default:
		return 0, fmt.Errorf("bus: unknown deliver policy %q", s)
	}
}

// Defaults applied by ConsumerConfig.WithDefaults.
const (
	DefaultMaxDeliver = 5
	DefaultAckWait    = 30 * time.Second
)

// ConsumerConfig describes one durable consumer binding. Ack policy is
// always explicit. An empty Durable creates an ephemeral consumer that is
// removed when its subscription stops.
type ConsumerConfig struct {
	Stream        string
	Subject       string
	Durable       string
	QueueGroup    string
	DeliverPolicy DeliverPolicy
	MaxDeliver    int
	AckWait       time.Duration
}

// WithDefaults fills zero MaxDeliver and AckWait.
func (c ConsumerConfig) WithDefaults() ConsumerConfig {
	if c.MaxDeliver == 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait == 0 {
		c.AckWait = DefaultAckWait
	}
	return c
}

// Validate checks the consumer configuration.
func (c ConsumerConfig) Validate() error {
	switch {
	case c.Stream == "":
		return fmt.Errorf("bus: consumer for %q has no stream", c.Subject)
	case c.Subject == "":
		return fmt.Errorf("bus: consumer %q has no subject", c.Durable)
	case c.MaxDeliver < 1:
		return fmt.Errorf("bus: consumer %q max_deliver %d must be >= 1", c.Durable, c.MaxDeliver)
	case c.AckWait <= 0:
		return fmt.Errorf("bus: consumer %q ack_wait must be positive", c.Durable)
	case c.QueueGroup != "" && c.Durable == "":
		return fmt.Errorf("bus: queue group %q requires a durable name", c.QueueGroup)
	}
	return nil
}

// Message is one delivery of a stored message. Exactly one of Ack or Nak
// should be called; use Guard to enforce that.
type Message interface {
	Subject() string
	Data() []byte
	Headers() map[string]string
	// Delivered is the 1-based delivery attempt for this message.
	Delivered() int
	Ack() error
	Nak() error
}

// Subscription yields messages from a consumer.
type Subscription interface {
	// Next blocks until a message is available, ctx is done, or the
	// connection fails (ErrConnection).
	Next(ctx context.Context) (Message, error)
	Stop() error
}

// Publisher publishes a payload to a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...PublishOption) error
}

// Bus is a connected client.
type Bus interface {
	Publisher
	Subscribe(ctx context.Context, cfg ConsumerConfig) (Subscription, error)
	EnsureStreams(ctx context.Context, defs []streams.Stream) error
	Close() error
}

// Dialer opens a new Bus connection.
type Dialer interface {
	Dial(ctx context.Context) (Bus, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Bus, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context) (Bus, error) { return f(ctx) }

// PublishOptions are the resolved publish options.
type PublishOptions struct {
	Headers map[string]string
	MsgID   string
}

// PublishOption configures a publish.
type PublishOption func(*PublishOptions)

// WithHeader sets a message header.
func WithHeader(key, value string) PublishOption {
	return func(o *PublishOptions) {
		if o.Headers == nil {
			o.Headers = make(map[string]string)
		}
		o.Headers[key] = value
	}
}

// WithMsgID sets a deduplication id honoured by the server within its
// duplicate window.
func WithMsgID(id string) PublishOption {
	return func(o *PublishOptions) { o.MsgID = id }
}

// ApplyPublishOptions resolves opts.
func ApplyPublishOptions(opts []PublishOption) PublishOptions {
	var o PublishOptions
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
