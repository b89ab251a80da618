// README: User-facing notification texts for match events.
package matching

import (
	"fmt"
	"time"

	"carpool/internal/modules/notify"
	"carpool/internal/types"
)

const timeLayout = "Mon 02 Jan 15:04"

func proposedToDriver(m *Match, r *Request, loc *time.Location) notify.Notification {
	return notify.Notification{
		UserID:  string(m.DriverID),
		Kind:    notify.KindMatchProposed,
		MatchID: string(m.ID),
		Text: fmt.Sprintf("A passenger wants to ride with you around %s. Approve to share contacts.",
			r.DesiredAt.In(loc).Format(timeLayout)),
		Actions: []notify.Action{
			{Label: "Approve", Command: string(DecisionApprove)},
			{Label: "Reject", Command: string(DecisionReject)},
		},
	}
}

func waitingToPassenger(m *Match, o *Offer, loc *time.Location) notify.Notification {
	return notify.Notification{
		UserID:  string(m.PassengerID),
		Kind:    notify.KindMatchWaiting,
		MatchID: string(m.ID),
		Text: fmt.Sprintf("We found a driver leaving at %s. Waiting for the driver to confirm.",
			o.DepartAt.In(loc).Format(timeLayout)),
	}
}

func contactExchange(m *Match) []notify.Notification {
	return []notify.Notification{
		{
			UserID:  string(m.DriverID),
			Kind:    notify.KindContact,
			MatchID: string(m.ID),
			Text:    fmt.Sprintf("Ride confirmed. Your passenger is %s.", m.PassengerID),
		},
		{
			UserID:  string(m.PassengerID),
			Kind:    notify.KindContact,
			MatchID: string(m.ID),
			Text:    fmt.Sprintf("Ride confirmed. Your driver is %s.", m.DriverID),
		},
	}
}

func rejectedToPassenger(m *Match) notify.Notification {
	return notify.Notification{
		UserID:  string(m.PassengerID),
		Kind:    notify.KindMatchRejected,
		MatchID: string(m.ID),
		Text:    "The driver could not take you. We keep looking for another ride.",
	}
}

func expiredToUser(userID types.ID, m *Match) notify.Notification {
	return notify.Notification{
		UserID:  string(userID),
		Kind:    notify.KindMatchExpired,
		MatchID: string(m.ID),
		Text:    "The proposed ride expired before it was confirmed.",
	}
}

func rideCancelledToPassenger(m *Match) notify.Notification {
	return notify.Notification{
		UserID:  string(m.PassengerID),
		Kind:    notify.KindRideCancelled,
		MatchID: string(m.ID),
		Text:    "Your driver cancelled the trip. We are looking for another ride.",
	}
}

func passengerLeftToDriver(m *Match) notify.Notification {
	return notify.Notification{
		UserID:  string(m.DriverID),
		Kind:    notify.KindPassengerLeft,
		MatchID: string(m.ID),
		Text:    fmt.Sprintf("Passenger %s cancelled their request.", m.PassengerID),
	}
}
