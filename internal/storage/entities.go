package storage

import "time"

// Room lifecycle states.
const (
	RoomDormant = "dormant"
	RoomActive  = "active"
	RoomClosed  = "closed"
)

// Message kinds.
const (
	KindText   = "text"
	KindImage  = "image"
	KindSystem = "system"
)

// Membership roles.
const (
	RoleCreator = "creator"
	RoleMember  = "member"
)

type Room struct {
	ID          int64        `json:"id"`
	DisplayName string       `json:"display_name"`
	CreatorID   int64        `json:"creator_id"`
	InviteeID   *int64       `json:"invitee_id,omitempty"`
	Category    string       `json:"category"`
	State       string       `json:"state"`
	CreatedAt   time.Time    `json:"created_at"`
	ExpiresAt   time.Time    `json:"expires_at"`
	MemberCount int          `json:"member_count"`
	Members     []RoomMember `json:"members,omitempty"`
}

type RoomMember struct {
	UserID   int64     `json:"user_id"`
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

type Message struct {
	ID        int64     `json:"id"`
	RoomID    int64     `json:"room_id"`
	AuthorID  int64     `json:"author_id"`
	Kind      string    `json:"kind"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type PushDestination struct {
	UserID   int64
	Token    string
	Platform string
}

// SweepResult reports how many expired rows a reaper pass removed.
type SweepResult struct {
	Messages    int64
	Memberships int64
	Rooms       int64
}
