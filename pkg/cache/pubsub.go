package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// PublishChange announces an administrative change to every hub sharing the
// namespace. Delivery is at-most-once.
func (c *Client) PublishChange(ctx context.Context, ev ChangeEvent) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("invalid change event: %w", err)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal change event: %w", err)
	}
	if err := c.rdb.Publish(ctx, ChangeEventsChannel(c.namespace), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish change event: %w", err)
	}
	return nil
}

// Subscription is an active subscription to change events.
// Caller must call Close() when done.
type Subscription struct {
	events <-chan ChangeEvent
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of change events. It is closed when the
// subscription is closed or its context is cancelled.
func (s *Subscription) Events() <-chan ChangeEvent {
	return s.events
}

// Errors returns undecodable messages. The subscription skips them and continues.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription. Safe to call multiple times.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// SubscribeChanges subscribes to change events of the namespace.
// The subscription is confirmed before returning so no event published
// afterwards is missed.
func (c *Client) SubscribeChanges(ctx context.Context) (*Subscription, error) {
	pubsub := c.rdb.Subscribe(ctx, ChangeEventsChannel(c.namespace))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to change events: %w", err)
	}

	eventsChan := make(chan ChangeEvent, 10)
	errorsChan := make(chan error, 10)
	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var ev ChangeEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal change event: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- ev:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}
