package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/relay/internal/bus"
)

// Handler processes one decoded delivery. Returning nil acks the message,
// a Permanent error acks it and reports the failure, any other error naks it
// for redelivery.
type Handler func(ctx context.Context, d Delivery) error

// Binding ties a durable consumer to a handler.
type Binding struct {
	Name          string
	Subject       string
	Stream        string // resolved from the registry when empty
	Durable       string
	QueueGroup    string
	DeliverPolicy bus.DeliverPolicy
	MaxDeliver    int
	AckWait       time.Duration
	Handler       Handler
}

func (b Binding) consumerConfig() bus.ConsumerConfig {
	return bus.ConsumerConfig{
		Stream:        b.Stream,
		Subject:       b.Subject,
		Durable:       b.Durable,
		QueueGroup:    b.QueueGroup,
		DeliverPolicy: b.DeliverPolicy,
		MaxDeliver:    b.MaxDeliver,
		AckWait:       b.AckWait,
	}.WithDefaults()
}

// Delivery is a decoded message handed to a Handler.
type Delivery struct {
	Binding   string
	Subject   string
	Data      json.RawMessage
	Payload   map[string]any
	Headers   map[string]string
	Delivered int
}

// Decode unmarshals the raw payload into v.
func (d Delivery) Decode(v any) error {
	if err := json.Unmarshal(d.Data, v); err != nil {
		return Permanent(&DecodeError{Subject: d.Subject, Err: err})
	}
	return nil
}

// String returns a top-level string field of the payload, or "".
func (d Delivery) String(key string) string {
	s, _ := d.Payload[key].(string)
	return s
}

// AlertID returns the payload's alert_id, or "".
func (d Delivery) AlertID() string { return d.String("alert_id") }

func decode(binding string, m bus.Message) (Delivery, error) {
	d := Delivery{
		Binding:   binding,
		Subject:   m.Subject(),
		Data:      m.Data(),
		Headers:   m.Headers(),
		Delivered: m.Delivered(),
	}
	if err := json.Unmarshal(m.Data(), &d.Payload); err != nil {
		return d, &DecodeError{Subject: m.Subject(), Err: err}
	}
	if d.Payload == nil {
		return d, &DecodeError{Subject: m.Subject(), Err: errors.New("payload is null")}
	}
	return d, nil
}

// DecodeError reports a payload that is not a JSON object.
type DecodeError struct {
	Subject string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Subject, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable: the message is acked and the
// failure reported instead of being redelivered.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	var pe *permanentError
	if errors.As(err, &pe) {
		return err
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
