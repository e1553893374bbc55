package notify

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"driftchat/internal/storage"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Enqueuer is the durable queue producer surface the dispatcher needs.
// *asynq.Client satisfies it.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Presence answers best-effort "who is subscribed to this room right
// now" queries. *realtime.Hub satisfies it.
type Presence interface {
	ConnectedUserIDs(ctx context.Context, roomID int64) ([]int64, error)
}

// Dispatcher turns domain events into durable notification jobs. It
// returns as soon as the job is enqueued and never talks to the push
// transport itself.
type Dispatcher struct {
	logger   *zap.SugaredLogger
	client   Enqueuer
	presence Presence
}

func NewDispatcher(logger *zap.SugaredLogger, client Enqueuer, presence Presence) *Dispatcher {
	return &Dispatcher{logger: logger, client: client, presence: presence}
}

var defaultOpts = []asynq.Option{
	asynq.MaxRetry(5),
	asynq.Timeout(30 * time.Second),
	asynq.Queue("default"),
}

// MessageSent enqueues a push job for a new room message. Users
// subscribed to the realtime channel at this moment are recorded as an
// exclusion list: they get the message over the socket instead. The
// list is a snapshot, not a guarantee.
func (d *Dispatcher) MessageSent(ctx context.Context, room storage.Room, msg storage.Message) error {
	exclude := []int64{msg.AuthorID}
	connected, err := d.presence.ConnectedUserIDs(ctx, room.ID)
	if err != nil {
		d.logger.Warnf("Presence lookup for room %d failed, excluding author only: %v", room.ID, err)
	} else {
		exclude = append(exclude, connected...)
	}

	task, err := NewMessageTask(MessagePayload{
		RoomID:    room.ID,
		RoomName:  room.DisplayName,
		MessageID: msg.ID,
		AuthorID:  msg.AuthorID,
		Preview:   preview(msg),
		Exclude:   exclude,
	})
	if err != nil {
		return err
	}
	return d.enqueue(ctx, task)
}

// UserNearby enqueues a proximity notification for one recipient.
func (d *Dispatcher) UserNearby(ctx context.Context, recipientID, peerID int64, distance float64) error {
	task, err := NewNearbyTask(NearbyPayload{
		RecipientID: recipientID,
		PeerID:      peerID,
		Distance:    distance,
	})
	if err != nil {
		return err
	}
	return d.enqueue(ctx, task)
}

// RoomInvited enqueues an invite (or quick-question) notification for
// the invitee.
func (d *Dispatcher) RoomInvited(ctx context.Context, recipientID int64, room storage.Room, quickQuestion bool) error {
	task, err := NewInviteTask(InvitePayload{
		RecipientID:   recipientID,
		RoomID:        room.ID,
		RoomName:      room.DisplayName,
		QuickQuestion: quickQuestion,
	})
	if err != nil {
		return err
	}
	return d.enqueue(ctx, task)
}

// Enqueue accepts a pre-serialized payload for a known job kind. This
// is the transport-agnostic EnqueueNotification operation.
func (d *Dispatcher) Enqueue(ctx context.Context, kind string, payload []byte) error {
	if _, ok := knownTypes[kind]; !ok {
		return fmt.Errorf("unknown notification kind %q", kind)
	}
	return d.enqueue(ctx, asynq.NewTask(kind, payload))
}

func (d *Dispatcher) enqueue(ctx context.Context, task *asynq.Task) error {
	info, err := d.client.EnqueueContext(ctx, task, defaultOpts...)
	if err != nil {
		d.logger.Errorf("Enqueueing %s task: %v", task.Type(), err)
		return err
	}
	d.logger.Debugf("Enqueued %s task %s", task.Type(), info.ID)
	return nil
}

func preview(msg storage.Message) string {
	if msg.Kind == storage.KindImage {
		return "sent an image"
	}
	const max = 120
	if len(msg.Payload) <= max {
		return msg.Payload
	}
	cut := msg.Payload[:max]
	// never split a rune mid-sequence
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}
