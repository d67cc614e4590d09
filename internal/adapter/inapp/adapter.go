package inapp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/courierhq/courier/internal/apperr"
	"github.com/courierhq/courier/internal/notify"
	"github.com/courierhq/courier/internal/telemetry"
)

// Adapter implements notify.Adapter for the in-app channel. Every delivery
// lands in the inbox first; connected sessions get the realtime push on top.
// The inbox item ID doubles as the provider message id, which is how read
// and click events find their way back to the delivery log.
type Adapter struct {
	inbox  InboxStore
	hub    *Hub
	dlog   notify.DeliveryLog
	logger *telemetry.ContextualLogger
}

// New creates an in-app adapter.
func New(inbox InboxStore, hub *Hub, dlog notify.DeliveryLog, logger *telemetry.Logger) *Adapter {
	return &Adapter{
		inbox:  inbox,
		hub:    hub,
		dlog:   dlog,
		logger: logger.Component("adapter.inapp"),
	}
}

// Channel returns the channel this adapter serves.
func (a *Adapter) Channel() notify.Channel {
	return notify.ChannelInApp
}

// Capabilities reports static adapter properties.
func (a *Adapter) Capabilities() notify.Capabilities {
	return notify.Capabilities{MaxBodyBytes: 4096}
}

// Send stores each job in the recipient's inbox and fans it out to their
// open sessions. Storing is the delivery; a user with no open session reads
// it from the inbox or the reconnect backlog later.
func (a *Adapter) Send(ctx context.Context, jobs []*notify.DeliveryJob) []notify.ItemResult {
	results := make([]notify.ItemResult, len(jobs))
	for i, j := range jobs {
		results[i].JobID = j.ID

		p := j.Payload.InApp
		if p == nil {
			results[i].Err = apperr.Invalid("payload", "in-app job has no payload")
			continue
		}

		item := &InboxItem{
			ID:             uuid.New(),
			UserID:         j.UserID,
			NotificationID: j.NotificationID,
			Title:          p.Title,
			Body:           p.Body,
			ActionURL:      p.ActionURL,
			Icon:           p.Icon,
			ExpiresAt:      j.ExpiresAt,
			CreatedAt:      time.Now(),
		}
		if err := a.inbox.Add(ctx, item); err != nil {
			results[i].Err = apperr.Transient("inbox write failed", err)
			continue
		}

		sessions := a.hub.Push(j.UserID, item)
		results[i].ProviderMessageID = item.ID.String()
		a.logger.WithFields(map[string]interface{}{
			"user_id": j.UserID, "item_id": item.ID, "sessions": sessions,
		}).Debug("in-app delivery stored")
	}
	return results
}

// HandleProviderCallback applies client acknowledgements: delivered when the
// client rendered the push, read/clicked/dismissed as the user interacts.
func (a *Adapter) HandleProviderCallback(ctx context.Context, ev notify.ProviderEvent) error {
	var status notify.AttemptStatus
	switch ev.Status {
	case "delivered":
		status = notify.AttemptDelivered
	case "read":
		status = notify.AttemptOpened
	case "clicked":
		status = notify.AttemptClicked
	case "dismissed":
		status = notify.AttemptDismissed
	default:
		return apperr.Invalid("status", fmt.Sprintf("unknown in-app event %q", ev.Status))
	}

	at := ev.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}

	err := a.dlog.UpdateStatusByProviderID(ctx, ev.ProviderMessageID, status, at)
	if err == notify.ErrRegression {
		return nil
	}
	return err
}

// Inbox returns one page of a user's inbox.
func (a *Adapter) Inbox(ctx context.Context, userID string, page, limit int, unreadOnly bool) (*InboxPage, error) {
	return a.inbox.List(ctx, userID, page, limit, unreadOnly)
}

// MarkRead marks an item read and records the open on the delivery log.
func (a *Adapter) MarkRead(ctx context.Context, userID string, id uuid.UUID) error {
	if err := a.inbox.MarkRead(ctx, userID, id); err != nil {
		return err
	}
	a.advance(ctx, id, notify.AttemptOpened)
	return nil
}

// MarkAllRead marks every unread item read and returns the count. Bulk reads
// skip the per-item delivery-log updates; the inbox is authoritative for
// read state.
func (a *Adapter) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	return a.inbox.MarkAllRead(ctx, userID)
}

// Dismiss hides an item and records the dismissal.
func (a *Adapter) Dismiss(ctx context.Context, userID string, id uuid.UUID) error {
	if err := a.inbox.Dismiss(ctx, userID, id); err != nil {
		return err
	}
	a.advance(ctx, id, notify.AttemptDismissed)
	return nil
}

// TrackClick records a click and the engagement on the delivery log.
func (a *Adapter) TrackClick(ctx context.Context, userID string, id uuid.UUID) error {
	if err := a.inbox.TrackClick(ctx, userID, id); err != nil {
		return err
	}
	a.advance(ctx, id, notify.AttemptClicked)
	return nil
}

func (a *Adapter) advance(ctx context.Context, itemID uuid.UUID, status notify.AttemptStatus) {
	err := a.dlog.UpdateStatusByProviderID(ctx, itemID.String(), status, time.Now())
	if err != nil && err != notify.ErrRegression && !errors.Is(err, notify.ErrNotFound) {
		a.logger.WithError(err).WithField("item_id", itemID).Warn("delivery log update failed")
	}
}

// StartInboxSweep runs the periodic expired-item sweep. Returns a stop
// function.
func (a *Adapter) StartInboxSweep(every time.Duration) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				n, err := a.inbox.SweepExpired(ctx, time.Now())
				cancel()
				if err != nil {
					a.logger.WithError(err).Error("inbox sweep failed")
				} else if n > 0 {
					a.logger.WithField("count", n).Info("swept expired inbox items")
				}
			}
		}
	}()
	return func() { close(stop) }
}
