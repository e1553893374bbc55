package notify

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

// Task type names. Tasks are consumed at least once; payloads are
// immutable after enqueue and handlers must tolerate redelivery.
const (
	TypeMessage = "notify:message"
	TypeNearby  = "notify:nearby"
	TypeInvite  = "notify:invite"
	TypeSweep   = "reaper:sweep"
)

// knownTypes guards the generic enqueue entry point.
var knownTypes = map[string]struct{}{
	TypeMessage: {},
	TypeNearby:  {},
	TypeInvite:  {},
}

// MessagePayload fans a new room message out to occupants who are not
// connected to the realtime channel. Exclude carries the user ids that
// were subscribed at enqueue time, plus the author.
type MessagePayload struct {
	RoomID    int64   `json:"room_id"`
	RoomName  string  `json:"room_name"`
	MessageID int64   `json:"message_id"`
	AuthorID  int64   `json:"author_id"`
	Preview   string  `json:"preview"`
	Exclude   []int64 `json:"exclude,omitempty"`
}

// NearbyPayload notifies one recipient that a discoverable peer was
// sighted in range.
type NearbyPayload struct {
	RecipientID int64   `json:"recipient_id"`
	PeerID      int64   `json:"peer_id"`
	Distance    float64 `json:"distance"`
}

// InvitePayload notifies one recipient about a room invite or a quick
// question addressed to them.
type InvitePayload struct {
	RecipientID   int64  `json:"recipient_id"`
	RoomID        int64  `json:"room_id"`
	RoomName      string `json:"room_name"`
	QuickQuestion bool   `json:"quick_question,omitempty"`
}

func NewMessageTask(p MessagePayload) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeMessage, payload), nil
}

func NewNearbyTask(p NearbyPayload) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeNearby, payload), nil
}

func NewInviteTask(p InvitePayload) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeInvite, payload), nil
}

func NewSweepTask() *asynq.Task {
	return asynq.NewTask(TypeSweep, nil)
}
