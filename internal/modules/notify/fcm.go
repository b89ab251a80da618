// README: Firebase Cloud Messaging sink; every user subscribes to a personal topic.
package notify

import (
	"context"
	"encoding/json"
	"strings"

	"firebase.google.com/go/v4/messaging"
)

type messagingClient interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

type FCMNotifier struct {
	client messagingClient
}

func NewFCMNotifier(client *messaging.Client) *FCMNotifier {
	return &FCMNotifier{client: client}
}

// TopicFor maps a user id onto the FCM topic the user's devices subscribe to.
// Characters FCM rejects in topic names are replaced with '_'.
func TopicFor(userID string) string {
	return "user_" + strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case strings.ContainsRune("-_.~%", r):
			return r
		}
		return '_'
	}, userID)
}

func (f *FCMNotifier) Notify(ctx context.Context, n Notification) error {
	data := map[string]string{
		"kind":     string(n.Kind),
		"match_id": n.MatchID,
	}
	if len(n.Actions) > 0 {
		b, err := json.Marshal(n.Actions)
		if err != nil {
			return err
		}
		data["actions"] = string(b)
	}
	_, err := f.client.Send(ctx, &messaging.Message{
		Topic: TopicFor(n.UserID),
		Notification: &messaging.Notification{
			Title: "Carpool",
			Body:  n.Text,
		},
		Data: data,
	})
	return err
}
