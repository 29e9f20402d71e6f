package bus

import "github.com/nats-io/nats.go"

// natsSubscription adapts a raw NATS subscription to the bus Subscription
// interface so thread event consumers never touch the nats types directly.
type natsSubscription struct {
	sub *nats.Subscription
}

// Unsubscribe removes the subscription from the server. Safe on a nil
// underlying subscription.
func (s *natsSubscription) Unsubscribe() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

// IsValid reports whether the subscription still delivers events.
func (s *natsSubscription) IsValid() bool {
	if s.sub == nil {
		return false
	}
	return s.sub.IsValid()
}
