package bus

import "github.com/nats-io/nats.go"

// natsSubscription adapts *nats.Subscription to the Subscription
// interface so NATSEventBus callers never touch the nats package
// directly.
type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) IsValid() bool {
	if s.sub == nil {
		return false
	}
	return s.sub.IsValid()
}
