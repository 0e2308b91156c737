// Package push delivers Web Push notifications, most importantly the
// call wake-up that reaches a device with no open connection.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"gorm.io/gorm"

	"github.com/tariel-x/callbridge/internal/models"
)

// ErrSubscriptionNotFound is returned when unsubscribing an unknown endpoint.
var ErrSubscriptionNotFound = errors.New("push subscription not found")

// VAPIDKeys identify this server to the push services.
type VAPIDKeys struct {
	PublicKey  string
	PrivateKey string
	Subject    string
}

// Gateway stores per-user push subscriptions and sends notifications to
// them. Sending is best effort: a failed delivery never fails a call, and
// subscriptions that the push service reports gone are pruned on the spot.
type Gateway struct {
	db     *gorm.DB
	keys   VAPIDKeys
	logger *slog.Logger
}

func NewGateway(db *gorm.DB, keys VAPIDKeys, logger *slog.Logger) *Gateway {
	return &Gateway{db: db, keys: keys, logger: logger}
}

// PublicKey returns the VAPID public key clients subscribe with.
func (g *Gateway) PublicKey() string {
	return g.keys.PublicKey
}

// Subscribe stores a user's push subscription, replacing any previous ones:
// a device keeps only its latest registration.
func (g *Gateway) Subscribe(ctx context.Context, userID, endpoint, p256dh, auth string) (*models.PushSubscription, error) {
	if err := g.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Delete(&models.PushSubscription{}).Error; err != nil {
		g.logger.Warn("prune old push subscriptions", "user_id", userID, "error", err)
	}

	sub := models.PushSubscription{
		UserID:   userID,
		Endpoint: endpoint,
		P256DH:   p256dh,
		Auth:     auth,
	}
	if err := g.db.WithContext(ctx).Create(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

// Unsubscribe removes the subscription with the given endpoint.
func (g *Gateway) Unsubscribe(ctx context.Context, userID, endpoint string) error {
	var sub models.PushSubscription
	err := g.db.WithContext(ctx).
		Where("user_id = ? AND endpoint = ?", userID, endpoint).
		First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrSubscriptionNotFound
		}
		return err
	}
	return g.db.WithContext(ctx).Delete(&sub).Error
}

// SendCallNotification wakes recipientID's devices up for an incoming call.
func (g *Gateway) SendCallNotification(ctx context.Context, recipientID, callerName string, callType models.CallType, chatID, callerID string) error {
	title := "Incoming call"
	if callType == models.CallTypeVideo {
		title = "Incoming video call"
	}
	return g.send(ctx, recipientID, title, callerName+" is calling", map[string]any{
		"type":      "incoming_call",
		"call_type": callType,
		"chat_id":   chatID,
		"caller_id": callerID,
	})
}

func (g *Gateway) send(ctx context.Context, userID, title, body string, data map[string]any) error {
	var subs []models.PushSubscription
	if err := g.db.WithContext(ctx).Where("user_id = ?", userID).Find(&subs).Error; err != nil {
		return err
	}
	if len(subs) == 0 {
		return nil
	}

	payload, err := json.Marshal(map[string]any{
		"title":   title,
		"body":    body,
		"data":    data,
		"urgency": "high",
	})
	if err != nil {
		return err
	}

	for _, sub := range subs {
		resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys: webpush.Keys{
				P256dh: sub.P256DH,
				Auth:   sub.Auth,
			},
		}, &webpush.Options{
			Subscriber:      g.keys.Subject,
			VAPIDPublicKey:  g.keys.PublicKey,
			VAPIDPrivateKey: g.keys.PrivateKey,
			TTL:             30,
			Urgency:         webpush.UrgencyHigh,
		})
		if err != nil {
			g.logger.Warn("send push notification", "user_id", userID, "error", err)
			continue
		}

		// 404/410 means the subscription is gone on the push service side.
		if resp.StatusCode == 404 || resp.StatusCode == 410 {
			g.logger.Info("pruning expired push subscription", "user_id", userID)
			g.db.Delete(&models.PushSubscription{}, "id = ?", sub.ID)
		}
		resp.Body.Close()
	}
	return nil
}

// Expiry pruning aside, old subscriptions accumulate when users never
// unsubscribe; PruneOlderThan removes rows not refreshed since cutoff.
func (g *Gateway) PruneOlderThan(ctx context.Context, cutoff time.Duration) error {
	return g.db.WithContext(ctx).
		Where("updated_at < ?", time.Now().Add(-cutoff)).
		Delete(&models.PushSubscription{}).Error
}
