package util

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
)

// ProcessWithTimeout runs callback with a deadline. The callback keeps running
// in the background when the deadline passes; msg is left unacked.
func ProcessWithTimeout(timeout time.Duration, msg *nats.Msg, callback func(ctx context.Context, msg *nats.Msg) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- callback(ctx, msg)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("processing timeout on %s after %s", msg.Subject, timeout)
	case err := <-done:
		return err
	}
}

func PublishEvent(js nats.JetStreamContext, subject string, data any, opts ...nats.PubOpt) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode event for %s: %w", subject, err)
	}

	_, err = js.Publish(subject, payload, opts...)
	if err != nil {
		return fmt.Errorf("publish event to %s: %w", subject, err)
	}

	return nil
}
