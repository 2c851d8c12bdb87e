// Package notify persists user notifications and pushes them on the
// fan-out. Persistence always happens first so a missed push can be
// recovered by a later pull; the fan-out is a leaf this package depends on,
// never the reverse.
package notify

import (
	"context"
	"time"

	"github.com/pithecene-io/veil/fanout"
	"github.com/pithecene-io/veil/log"
	"github.com/pithecene-io/veil/store"
	"github.com/pithecene-io/veil/types"
)

// DefaultRetention is how long notifications are kept before cleanup.
const DefaultRetention = 90 * 24 * time.Hour

// Notifier writes notification records and publishes them to subscribers.
type Notifier struct {
	store  *store.Store
	hub    *fanout.Hub
	logger *log.Logger
}

// New creates a notifier.
func New(st *store.Store, hub *fanout.Hub, logger *log.Logger) *Notifier {
	return &Notifier{store: st, hub: hub, logger: logger}
}

// Notify persists a notification for a user, then publishes it. A publish
// failure is invisible here; the record is already durable.
func (n *Notifier) Notify(ctx context.Context, userID, title, message string, level types.NotificationLevel) error {
	rec := &types.Notification{
		UserID:  userID,
		Title:   title,
		Message: message,
		Level:   level,
	}
	if err := n.store.PutNotification(ctx, rec); err != nil {
		return err
	}
	n.hub.PublishToUser(userID, types.NewNotificationEvent(rec.ID, title, message, level))
	return nil
}

// Cleanup deletes a user's notifications older than the retention window.
func (n *Notifier) Cleanup(ctx context.Context, userID string) error {
	removed, err := n.store.CleanupNotifications(ctx, userID, DefaultRetention)
	if err != nil {
		return err
	}
	if removed > 0 {
		n.logger.Info("cleaned up notifications", map[string]any{
			"user_id": userID,
			"removed": removed,
		})
	}
	return nil
}
