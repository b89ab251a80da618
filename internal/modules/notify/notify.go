// README: Notification gateway contract and fan-out across delivery sinks.
package notify

import (
	"context"
	"errors"
	"fmt"

	"carpool/internal/observability"
)

type Kind string

const (
	// KindMatchProposed asks the driver to approve or reject a passenger.
	KindMatchProposed Kind = "match_proposed"
	// KindMatchWaiting tells the passenger a driver was found and is deciding.
	KindMatchWaiting  Kind = "match_waiting"
	KindContact       Kind = "contact_exchange"
	KindMatchRejected Kind = "match_rejected"
	KindMatchExpired  Kind = "match_expired"
	// KindRideCancelled reaches passengers whose approved ride was cancelled by the driver.
	KindRideCancelled Kind = "ride_cancelled"
	// KindPassengerLeft tells the driver an approved passenger cancelled.
	KindPassengerLeft Kind = "passenger_left"
)

// Action is a button a chat front-end renders under the message.
type Action struct {
	Label   string `json:"label"`
	Command string `json:"command"`
}

type Notification struct {
	UserID  string   `json:"user_id"`
	Kind    Kind     `json:"kind"`
	Text    string   `json:"text"`
	MatchID string   `json:"match_id,omitempty"`
	Actions []Action `json:"actions,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

type namedSink struct {
	name string
	n    Notifier
}

// Multi delivers to every sink. One failing sink does not stop the others.
type Multi struct {
	sinks []namedSink
}

func NewMulti() *Multi {
	return &Multi{}
}

func (m *Multi) Add(name string, n Notifier) *Multi {
	m.sinks = append(m.sinks, namedSink{name: name, n: n})
	return m
}

func (m *Multi) Len() int {
	return len(m.sinks)
}

func (m *Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.n.Notify(ctx, n); err != nil {
			observability.NotificationFailures.WithLabelValues(s.name).Inc()
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}
