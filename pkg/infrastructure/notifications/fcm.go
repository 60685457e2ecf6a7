package notifications

import (
	"context"
	"fmt"
	"log/slog"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"

	shared "github.com/fitglue/ride-ingest/pkg"
)

// DataKeyProvider names the integration whose token list is cleaned when a
// send reports unregistered tokens.
const DataKeyProvider = "provider"

type multicastSender interface {
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

type FCMAdapter struct {
	client multicastSender
	fs     *firestore.Client
}

func NewFCMAdapter(ctx context.Context, app *firebase.App, fs *firestore.Client) (*FCMAdapter, error) {
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get messaging client: %w", err)
	}
	return &FCMAdapter{client: client, fs: fs}, nil
}

func (a *FCMAdapter) SendPushNotification(ctx context.Context, userID string, title, body string, tokens []string, data map[string]string) error {
	if len(tokens) == 0 {
		slog.Debug("No tokens for user, skipping notification", "user_id", userID)
		return nil
	}

	slog.Info("Sending push notification", "user_id", userID, "token_count", len(tokens), "title", title)

	response, err := a.client.SendEachForMulticast(ctx, &messaging.MulticastMessage{
		Tokens: tokens,
		Notification: &messaging.Notification{
			Title: title,
			Body:  body,
		},
		Data: data,
	})
	if err != nil {
		return fmt.Errorf("failed to send multicast message: %w", err)
	}

	if response.FailureCount > 0 {
		slog.Warn("Some push notifications failed to send",
			"user_id", userID,
			"failure_count", response.FailureCount,
			"success_count", response.SuccessCount,
		)
		if dead := deadTokens(tokens, response.Responses); len(dead) > 0 {
			a.removeTokens(ctx, userID, data[DataKeyProvider], dead)
		}
	}

	return nil
}

// deadTokens returns the tokens whose send reported NotRegistered.
func deadTokens(tokens []string, responses []*messaging.SendResponse) []interface{} {
	var dead []interface{}
	for i, resp := range responses {
		if i < len(tokens) && resp.Error != nil && messaging.IsRegistrationTokenNotRegistered(resp.Error) {
			dead = append(dead, tokens[i])
		}
	}
	return dead
}

// removeTokens drops dead tokens from the integration document.
func (a *FCMAdapter) removeTokens(ctx context.Context, userID, provider string, dead []interface{}) {
	if a.fs == nil || provider == "" {
		return
	}
	slog.Info("Removing dead FCM tokens", "user_id", userID, "provider", provider, "count", len(dead))
	doc := a.fs.Collection("users").Doc(userID).Collection(shared.CollectionIntegrations).Doc(provider)
	if _, err := doc.Update(ctx, []firestore.Update{
		{Path: "fcm_tokens", Value: firestore.ArrayRemove(dead...)},
	}); err != nil {
		slog.Error("Failed to remove dead FCM tokens", "user_id", userID, "error", err)
	}
}
