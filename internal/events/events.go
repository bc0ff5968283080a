// Package events delivers post-commit notifications to receipt, UI-refresh
// and shift-report collaborators.
package events

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"possettle/backend/internal/domain"
)

type Kind string

const (
	SaleCommitted Kind = "sale.committed"
	SaleReversed  Kind = "sale.reversed"
	ShiftClosed   Kind = "shift.closed"
)

type Event struct {
	Kind    Kind            `json:"kind"`
	At      time.Time       `json:"at"`
	Sale    *domain.Sale    `json:"sale,omitempty"`
	Invoice *domain.Invoice `json:"invoice,omitempty"`
	Shift   *domain.Shift   `json:"shift,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type Handler func(ctx context.Context, event Event) error

type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) error { return nil }

// Bus fans an event out to in-process subscribers. A failing subscriber does
// not stop delivery to the rest.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Kind][]Handler
	all      []Handler
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[Kind][]Handler)}
}

// Subscribe registers h for the given kinds, or for every kind when none are given.
func (b *Bus) Subscribe(h Handler, kinds ...Kind) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(kinds) == 0 {
		b.all = append(b.all, h)
		return
	}
	for _, k := range kinds {
		b.handlers[k] = append(b.handlers[k], h)
	}
}

func (b *Bus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	targets := make([]Handler, 0, len(b.all)+len(b.handlers[event.Kind]))
	targets = append(targets, b.handlers[event.Kind]...)
	targets = append(targets, b.all...)
	b.mu.RUnlock()

	var errs []error
	for _, h := range targets {
		if err := h(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Multi publishes to every publisher in order.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogHandler writes a one-line summary of each event.
func LogHandler(_ context.Context, event Event) error {
	switch event.Kind {
	case SaleCommitted, SaleReversed:
		if event.Sale != nil && event.Invoice != nil {
			log.Printf("[events] %s sale=%s invoice=%s total=%d shift=%s", event.Kind, event.Sale.ID, event.Invoice.Number, event.Sale.TotalMinor, event.Sale.ShiftID)
			return nil
		}
	case ShiftClosed:
		if event.Shift != nil && event.Shift.DiscrepancyMinor != nil {
			log.Printf("[events] %s shift=%s operator=%s discrepancy=%d", event.Kind, event.Shift.ID, event.Shift.OperatorID, *event.Shift.DiscrepancyMinor)
			return nil
		}
	}
	log.Printf("[events] %s", event.Kind)
	return nil
}
