package nats

import (
	"context"

	"go.uber.org/multierr"
)

// Fanout publishes every event to each of its publishers. A failing publisher
// does not stop delivery to the others.
type Fanout []Publisher

// NewFanout drops nil publishers.
func NewFanout(publishers ...Publisher) Fanout {
	var f Fanout
	for _, p := range publishers {
		if p != nil {
			f = append(f, p)
		}
	}
	return f
}

// PublishPurchase implements Publisher.
func (f Fanout) PublishPurchase(ctx context.Context, event *PurchaseEvent) error {
	var err error
	for _, p := range f {
		err = multierr.Append(err, p.PublishPurchase(ctx, event))
	}
	return err
}

// Close implements Publisher.
func (f Fanout) Close() error {
	var err error
	for _, p := range f {
		err = multierr.Append(err, p.Close())
	}
	return err
}
