package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"driftchat/internal/storage"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// RecipientStore is the slice of the storage layer the worker needs.
// *storage.Store satisfies it; tests substitute fakes.
type RecipientStore interface {
	ActiveMemberIDs(ctx context.Context, roomID int64) ([]int64, error)
	DestinationsByUserIDs(ctx context.Context, userIDs []int64) ([]storage.PushDestination, error)
	DeactivateDestination(ctx context.Context, token string) error
}

// Sweeper is the reaper surface. *storage.Store satisfies it.
type Sweeper interface {
	Sweep(ctx context.Context) (storage.SweepResult, error)
}

// Worker consumes notification jobs: it filters recipients by rate and
// cooldown gates, resolves destinations, calls the push transport and
// reconciles per-token failures. All effects are idempotent, matching
// the queue's at-least-once delivery.
type Worker struct {
	logger    *zap.SugaredLogger
	store     RecipientStore
	gate      *Gate
	transport Transport
	sweeper   Sweeper
}

func NewWorker(logger *zap.SugaredLogger, store RecipientStore, gate *Gate, transport Transport, sweeper Sweeper) *Worker {
	return &Worker{
		logger:    logger,
		store:     store,
		gate:      gate,
		transport: transport,
		sweeper:   sweeper,
	}
}

// HandleMessage delivers a "new message" push to room occupants who are
// not the author, were not connected at enqueue time and have not opted
// out. At most one burst per room per window goes out; jobs arriving
// inside the window are absorbed silently.
func (w *Worker) HandleMessage(ctx context.Context, t *asynq.Task) error {
	var p MessagePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("unmarshaling %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}

	ok, err := w.gate.AllowRoomBurst(ctx, p.RoomID)
	if err != nil {
		return fmt.Errorf("room burst gate: %w", err)
	}
	if !ok {
		w.logger.Debugf("Push burst for room %d absorbed by rate gate", p.RoomID)
		return nil
	}

	members, err := w.store.ActiveMemberIDs(ctx, p.RoomID)
	if err != nil {
		return fmt.Errorf("resolving room %d occupants: %w", p.RoomID, err)
	}

	excluded := make(map[int64]struct{}, len(p.Exclude)+1)
	excluded[p.AuthorID] = struct{}{}
	for _, id := range p.Exclude {
		excluded[id] = struct{}{}
	}

	recipients := members[:0]
	for _, id := range members {
		if _, skip := excluded[id]; !skip {
			recipients = append(recipients, id)
		}
	}
	if len(recipients) == 0 {
		return nil
	}

	title := p.RoomName
	if title == "" {
		title = "New message"
	}
	return w.batchSend(ctx, recipients, Notification{Title: title, Body: p.Preview}, map[string]string{
		"room_id":    strconv.FormatInt(p.RoomID, 10),
		"message_id": strconv.FormatInt(p.MessageID, 10),
	})
}

// HandleNearby delivers a proximity push, at most one per recipient per
// cooldown period.
func (w *Worker) HandleNearby(ctx context.Context, t *asynq.Task) error {
	var p NearbyPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("unmarshaling %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}

	ok, err := w.gate.AllowNearbyCooldown(ctx, p.RecipientID)
	if err != nil {
		return fmt.Errorf("nearby cooldown gate: %w", err)
	}
	if !ok {
		w.logger.Debugf("Nearby push for user %d absorbed by cooldown", p.RecipientID)
		return nil
	}

	return w.batchSend(ctx, []int64{p.RecipientID},
		Notification{Title: "Someone is nearby", Body: fmt.Sprintf("A user is about %.0f m away", p.Distance)},
		map[string]string{"peer_id": strconv.FormatInt(p.PeerID, 10)})
}

// HandleInvite delivers a room invite or quick-question push straight
// to its recipient.
func (w *Worker) HandleInvite(ctx context.Context, t *asynq.Task) error {
	var p InvitePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("unmarshaling %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}

	title := "Room invite"
	if p.QuickQuestion {
		title = "Quick question"
	}
	return w.batchSend(ctx, []int64{p.RecipientID},
		Notification{Title: title, Body: p.RoomName},
		map[string]string{"room_id": strconv.FormatInt(p.RoomID, 10)})
}

// HandleSweep runs one reaper pass.
func (w *Worker) HandleSweep(ctx context.Context, _ *asynq.Task) error {
	_, err := w.sweeper.Sweep(ctx)
	return err
}

// batchSend resolves destinations for the recipients and calls the
// transport once with the full token list. Per-token failures never
// fail the job: tokens the transport reports gone are deactivated, any
// other failure leaves the destination active for a later job.
func (w *Worker) batchSend(ctx context.Context, recipients []int64, n Notification, data map[string]string) error {
	dests, err := w.store.DestinationsByUserIDs(ctx, recipients)
	if err != nil {
		return fmt.Errorf("resolving destinations: %w", err)
	}
	if len(dests) == 0 {
		return nil
	}

	tokens := make([]string, len(dests))
	for i, d := range dests {
		tokens[i] = d.Token
	}

	results, err := w.transport.Send(ctx, tokens, n, data)
	if err != nil {
		return fmt.Errorf("push transport: %w", err)
	}

	for _, r := range results {
		switch {
		case r.Gone:
			if err := w.store.DeactivateDestination(ctx, r.Token); err != nil {
				w.logger.Errorf("Deactivating dead destination: %v", err)
			}
		case r.Error != "":
			w.logger.Warnf("Push to one destination failed (%s), leaving it active", r.Error)
		}
	}
	return nil
}
