package bus

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Request publishes data on reqSubject and waits up to timeout for the
// first message on respSubject. The response consumer is ephemeral and
// replays retained messages, so a response stored before the subscription
// was created is still seen.
func Request(ctx context.Context, b Bus, stream, reqSubject, respSubject string, data []byte, timeout time.Duration) ([]byte, error) {
	sub, err := b.Subscribe(ctx, ConsumerConfig{
		Stream:        stream,
		Subject:       respSubject,
		DeliverPolicy: DeliverAll,
		MaxDeliver:    1,
		AckWait:       timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", respSubject, err)
	}
	defer sub.Stop() //nolint:errcheck

	if err := b.Publish(ctx, reqSubject, data); err != nil {
		return nil, err
	}

	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := sub.Next(wctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w waiting for %s", ErrTimeout, respSubject)
		}
		return nil, err
	}
	_ = msg.Ack()
	return msg.Data(), nil
}
