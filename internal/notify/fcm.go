// README: Firebase Cloud Messaging sink; pushes assignment and ETA events to devices.
package notify

import (
	"context"
	"fmt"

	"firebase.google.com/go/v4/messaging"

	"dispatch/internal/types"
)

// messenger is satisfied by *messaging.Client.
type messenger interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// TokenLookup resolves push tokens. An empty token means "not registered".
type TokenLookup interface {
	DeviceToken(ctx context.Context, ownerType string, ownerID types.ID) (string, error)
}

type FCMSink struct {
	client messenger
	tokens TokenLookup
}

func NewFCMSink(client messenger, tokens TokenLookup) *FCMSink {
	return &FCMSink{client: client, tokens: tokens}
}

func (f *FCMSink) Name() string { return "fcm" }

func (f *FCMSink) Deliver(ctx context.Context, e Event) error {
	var ownerType string
	var ownerID types.ID
	var title, body string

	switch e.Type {
	case EventDriverAssigned:
		ownerType, ownerID = "driver", e.DriverID
		title = "New delivery assigned"
		body = fmt.Sprintf("Order %s is yours. Head to pickup.", e.OrderID)
	case EventETAUpdate:
		ownerType, ownerID = "customer", e.UserID
		title = "Driver on the way"
		body = "Your delivery estimate was updated."
		if mins, ok := e.Payload["eta_minutes"]; ok {
			body = fmt.Sprintf("Arriving in about %v min.", mins)
		}
	default:
		return nil
	}
	if ownerID == "" {
		return nil
	}

	token, err := f.tokens.DeviceToken(ctx, ownerType, ownerID)
	if err != nil {
		return fmt.Errorf("lookup %s token: %w", ownerType, err)
	}
	if token == "" {
		return nil
	}

	data := map[string]string{
		"event_id": e.ID,
		"type":     string(e.Type),
		"order_id": string(e.OrderID),
	}
	for k, v := range e.Payload {
		data[k] = fmt.Sprint(v)
	}

	msg := &messaging.Message{
		Token:        token,
		Notification: &messaging.Notification{Title: title, Body: body},
		Data:         data,
	}
	if _, err := f.client.Send(ctx, msg); err != nil {
		return fmt.Errorf("fcm send: %w", err)
	}
	return nil
}
