package storage

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	mytesting "driftchat/internal/testing"

	"github.com/caarlos0/env/v6"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// Tests in this file need a database with schema.sql applied.
// Set TEST_DB=1 (plus the usual DB_* variables) to run them.
func bootstrap(t *testing.T) *Store {
	if os.Getenv("TEST_DB") == "" {
		t.Skip("TEST_DB not set, skipping database tests")
	}

	cfg := Config{}
	require.NoError(t, env.Parse(&cfg))

	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	s, err := New(context.Background(), logger.Sugar(), cfg)
	require.NoError(t, err)

	t.Cleanup(s.Close)
	return s
}

func (s *Store) activeMembershipCount(t *testing.T, roomID, userID int64) int {
	var n int
	err := s.db.QueryRow(context.Background(),
		"select count(*) from memberships where room_id = $1 and user_id = $2 and left_at is null",
		roomID, userID).Scan(&n)
	require.NoError(t, err)
	return n
}

func TestCreateRoomOpen(t *testing.T) {
	s := bootstrap(t)

	creator := mytesting.RandID()
	room, err := s.CreateRoom(context.Background(), creator, "lobby", "general", nil)
	require.NoError(t, err)
	require.Equal(t, RoomActive, room.State)
	require.Equal(t, 1, room.MemberCount)
	require.Nil(t, room.InviteeID)
	require.True(t, room.ExpiresAt.After(time.Now().Add(23*time.Hour)))
}

func TestCreateRoomResurrection(t *testing.T) {
	s := bootstrap(t)

	creator, invitee := mytesting.RandID(), mytesting.RandID()

	first, err := s.CreateRoom(context.Background(), creator, "Hi", "", &invitee)
	require.NoError(t, err)
	require.Equal(t, RoomDormant, first.State)
	require.Equal(t, 1, first.MemberCount)

	second, err := s.CreateRoom(context.Background(), creator, "Hi again", "", &invitee)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, RoomActive, second.State)
	require.Equal(t, 1, second.MemberCount)
	require.Equal(t, 1, s.activeMembershipCount(t, first.ID, creator))
}

func TestCreateRoomResurrectionConcurrent(t *testing.T) {
	s := bootstrap(t)

	creator, invitee := mytesting.RandID(), mytesting.RandID()

	const n = 6
	ids := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			room, err := s.CreateRoom(context.Background(), creator, "race", "", &invitee)
			require.NoError(t, err)
			ids[i] = room.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		require.Equal(t, ids[0], ids[i])
	}
	require.Equal(t, 1, s.activeMembershipCount(t, ids[0], creator))
}

func TestCreateRoomResurrectsClosedRoom(t *testing.T) {
	s := bootstrap(t)

	creator, invitee := mytesting.RandID(), mytesting.RandID()

	first, err := s.CreateRoom(context.Background(), creator, "Hi", "", &invitee)
	require.NoError(t, err)

	_, err = s.LeaveRoom(context.Background(), creator, first.ID)
	require.NoError(t, err)

	closed, err := s.RoomByID(context.Background(), first.ID)
	require.NoError(t, err)
	require.Equal(t, RoomClosed, closed.State)

	second, err := s.CreateRoom(context.Background(), creator, "Hi", "", &invitee)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, RoomActive, second.State)
	require.Equal(t, 1, second.MemberCount)
}

func TestJoinRoomDormantGate(t *testing.T) {
	s := bootstrap(t)

	creator, invitee, stranger := mytesting.RandID(), mytesting.RandID(), mytesting.RandID()

	room, err := s.CreateRoom(context.Background(), creator, "private", "", &invitee)
	require.NoError(t, err)

	_, err = s.JoinRoom(context.Background(), stranger, room.ID)
	require.ErrorIs(t, err, ErrNotInvited)

	res, err := s.JoinRoom(context.Background(), invitee, room.ID)
	require.NoError(t, err)
	require.False(t, res.AlreadyJoined)
	require.Equal(t, RoomActive, res.Room.State)
	require.Equal(t, 2, res.Room.MemberCount)
	require.NotNil(t, res.SystemMessage)
	require.Equal(t, KindSystem, res.SystemMessage.Kind)
}

func TestJoinRoomIdempotent(t *testing.T) {
	s := bootstrap(t)

	creator, user := mytesting.RandID(), mytesting.RandID()

	room, err := s.CreateRoom(context.Background(), creator, "lobby", "", nil)
	require.NoError(t, err)

	first, err := s.JoinRoom(context.Background(), user, room.ID)
	require.NoError(t, err)
	require.False(t, first.AlreadyJoined)

	second, err := s.JoinRoom(context.Background(), user, room.ID)
	require.NoError(t, err)
	require.True(t, second.AlreadyJoined)
	require.Equal(t, 2, first.Room.MemberCount)
	require.Equal(t, 1, s.activeMembershipCount(t, room.ID, user))
}

func TestJoinRoomConcurrentStorm(t *testing.T) {
	s := bootstrap(t)

	creator, user := mytesting.RandID(), mytesting.RandID()

	room, err := s.CreateRoom(context.Background(), creator, "storm", "", nil)
	require.NoError(t, err)

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.JoinRoom(context.Background(), user, room.ID)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, s.activeMembershipCount(t, room.ID, user))

	after, err := s.RoomByID(context.Background(), room.ID)
	require.NoError(t, err)
	require.Equal(t, 2, after.MemberCount)
}

func TestJoinRoomNotFound(t *testing.T) {
	s := bootstrap(t)

	_, err := s.JoinRoom(context.Background(), mytesting.RandID(), -7)
	require.ErrorIs(t, err, ErrRoomNotFound)
}

func TestJoinRoomSanctioned(t *testing.T) {
	s := bootstrap(t)

	creator, outlaw := mytesting.RandID(), mytesting.RandID()

	room, err := s.CreateRoom(context.Background(), creator, "lobby", "", nil)
	require.NoError(t, err)

	require.NoError(t, s.SanctionUser(context.Background(), outlaw, time.Now().Add(time.Hour)))

	_, err = s.JoinRoom(context.Background(), outlaw, room.ID)
	require.ErrorIs(t, err, ErrUserSanctioned)

	_, err = s.CreateRoom(context.Background(), outlaw, "mine", "", nil)
	require.ErrorIs(t, err, ErrUserSanctioned)
}

func TestLeaveRoomEvaporation(t *testing.T) {
	s := bootstrap(t)

	creator, user := mytesting.RandID(), mytesting.RandID()

	room, err := s.CreateRoom(context.Background(), creator, "lobby", "", nil)
	require.NoError(t, err)
	_, err = s.JoinRoom(context.Background(), user, room.ID)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = s.CreateMessage(context.Background(), user, room.ID, KindText, mytesting.RandString())
		require.NoError(t, err)
	}
	_, err = s.CreateMessage(context.Background(), creator, room.ID, KindText, "staying")
	require.NoError(t, err)

	res, err := s.LeaveRoom(context.Background(), user, room.ID)
	require.NoError(t, err)
	require.Equal(t, user, res.DepartedID)
	require.Equal(t, KindSystem, res.SystemMessage.Kind)
	require.Contains(t, res.SystemMessage.Payload, "evaporated")
	require.Equal(t, 1, res.Room.MemberCount)
	require.Equal(t, RoomActive, res.Room.State)

	messages, err := s.Messages(context.Background(), room.ID, nil, 100)
	require.NoError(t, err)
	for _, m := range messages {
		require.NotEqual(t, user, m.AuthorID)
	}
}

func TestLeaveRoomClosesEmptyRoom(t *testing.T) {
	s := bootstrap(t)

	creator := mytesting.RandID()
	room, err := s.CreateRoom(context.Background(), creator, "solo", "", nil)
	require.NoError(t, err)

	res, err := s.LeaveRoom(context.Background(), creator, room.ID)
	require.NoError(t, err)
	require.Equal(t, 0, res.Room.MemberCount)
	require.Equal(t, RoomClosed, res.Room.State)
	require.False(t, res.Room.ExpiresAt.After(time.Now()))
}

func TestLeaveRoomNotMember(t *testing.T) {
	s := bootstrap(t)

	creator := mytesting.RandID()
	room, err := s.CreateRoom(context.Background(), creator, "lobby", "", nil)
	require.NoError(t, err)

	_, err = s.LeaveRoom(context.Background(), mytesting.RandID(), room.ID)
	require.ErrorIs(t, err, ErrNotMember)
}

func TestCreateMessageRequiresMembership(t *testing.T) {
	s := bootstrap(t)

	creator := mytesting.RandID()
	room, err := s.CreateRoom(context.Background(), creator, "lobby", "", nil)
	require.NoError(t, err)

	_, err = s.CreateMessage(context.Background(), mytesting.RandID(), room.ID, KindText, "hi")
	require.ErrorIs(t, err, ErrNotMember)

	msg, err := s.CreateMessage(context.Background(), creator, room.ID, KindText, "hi")
	require.NoError(t, err)
	require.Equal(t, room.ExpiresAt.Unix(), msg.ExpiresAt.Unix())
}

func TestCreateMessageClosedRoom(t *testing.T) {
	s := bootstrap(t)

	creator := mytesting.RandID()
	room, err := s.CreateRoom(context.Background(), creator, "lobby", "", nil)
	require.NoError(t, err)
	_, err = s.LeaveRoom(context.Background(), creator, room.ID)
	require.NoError(t, err)

	_, err = s.CreateMessage(context.Background(), creator, room.ID, KindText, "too late")
	require.ErrorIs(t, err, ErrRoomExpired)
}

func TestMessagesPagination(t *testing.T) {
	s := bootstrap(t)

	creator := mytesting.RandID()
	room, err := s.CreateRoom(context.Background(), creator, "lobby", "", nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err = s.CreateMessage(context.Background(), creator, room.ID, KindText, mytesting.RandString())
		require.NoError(t, err)
	}

	page, err := s.Messages(context.Background(), room.ID, nil, 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	for i := 1; i < len(page); i++ {
		require.False(t, page[i].CreatedAt.Before(page[i-1].CreatedAt))
	}

	older, err := s.Messages(context.Background(), room.ID, &page[0].CreatedAt, 10)
	require.NoError(t, err)
	for _, m := range older {
		require.True(t, m.CreatedAt.Before(page[0].CreatedAt))
	}
}

func TestDeleteMessageAuthorOnly(t *testing.T) {
	s := bootstrap(t)

	creator, other := mytesting.RandID(), mytesting.RandID()
	room, err := s.CreateRoom(context.Background(), creator, "lobby", "", nil)
	require.NoError(t, err)
	_, err = s.JoinRoom(context.Background(), other, room.ID)
	require.NoError(t, err)

	msg, err := s.CreateMessage(context.Background(), creator, room.ID, KindText, "oops")
	require.NoError(t, err)

	require.ErrorIs(t, s.DeleteMessage(context.Background(), other, msg.ID), ErrNotAuthor)
	require.NoError(t, s.DeleteMessage(context.Background(), creator, msg.ID))
	require.ErrorIs(t, s.DeleteMessage(context.Background(), creator, -5), ErrMessageNotFound)

	messages, err := s.Messages(context.Background(), room.ID, nil, 100)
	require.NoError(t, err)
	for _, m := range messages {
		require.NotEqual(t, msg.ID, m.ID)
	}
}

func TestRoomWithPeerBothDirections(t *testing.T) {
	s := bootstrap(t)

	a, b := mytesting.RandID(), mytesting.RandID()
	room, err := s.CreateRoom(context.Background(), a, "Hi", "", &b)
	require.NoError(t, err)

	found, err := s.RoomWithPeer(context.Background(), a, b)
	require.NoError(t, err)
	require.Equal(t, room.ID, found.ID)

	found, err = s.RoomWithPeer(context.Background(), b, a)
	require.NoError(t, err)
	require.Equal(t, room.ID, found.ID)

	_, err = s.RoomWithPeer(context.Background(), a, mytesting.RandID())
	require.ErrorIs(t, err, ErrRoomNotFound)
}

func TestRoomsByUserIDIncludesDormantInvites(t *testing.T) {
	s := bootstrap(t)

	creator, invitee := mytesting.RandID(), mytesting.RandID()
	room, err := s.CreateRoom(context.Background(), creator, "Hi", "", &invitee)
	require.NoError(t, err)

	rooms, err := s.RoomsByUserID(context.Background(), invitee)
	require.NoError(t, err)

	var seen bool
	for _, r := range rooms {
		if r.ID == room.ID {
			seen = true
			require.Equal(t, RoomDormant, r.State)
		}
	}
	require.True(t, seen)
}

func TestDestinationsLifecycle(t *testing.T) {
	s := bootstrap(t)

	user := mytesting.RandID()
	token := mytesting.RandString() + mytesting.RandString()

	require.NoError(t, s.RegisterDestination(context.Background(), user, token, "android"))

	dests, err := s.DestinationsByUserIDs(context.Background(), []int64{user})
	require.NoError(t, err)
	require.Len(t, dests, 1)
	require.Equal(t, token, dests[0].Token)

	require.NoError(t, s.DeactivateDestination(context.Background(), token))
	require.NoError(t, s.DeactivateDestination(context.Background(), token)) // no-op

	dests, err = s.DestinationsByUserIDs(context.Background(), []int64{user})
	require.NoError(t, err)
	require.Empty(t, dests)
}

func TestDestinationsOptOut(t *testing.T) {
	s := bootstrap(t)

	user := mytesting.RandID()
	require.NoError(t, s.RegisterDestination(context.Background(), user, mytesting.RandString()+mytesting.RandString(), "ios"))

	require.NoError(t, s.SetPushOptOut(context.Background(), user, true))
	dests, err := s.DestinationsByUserIDs(context.Background(), []int64{user})
	require.NoError(t, err)
	require.Empty(t, dests)

	require.NoError(t, s.SetPushOptOut(context.Background(), user, false))
	dests, err = s.DestinationsByUserIDs(context.Background(), []int64{user})
	require.NoError(t, err)
	require.Len(t, dests, 1)
}

func TestSweepRemovesExpiredRooms(t *testing.T) {
	s := bootstrap(t)

	creator := mytesting.RandID()
	room, err := s.CreateRoom(context.Background(), creator, "short lived", "", nil)
	require.NoError(t, err)
	_, err = s.CreateMessage(context.Background(), creator, room.ID, KindText, "bye")
	require.NoError(t, err)

	// closing empties the room and pulls its expiry to now
	_, err = s.LeaveRoom(context.Background(), creator, room.ID)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	_, err = s.Sweep(context.Background())
	require.NoError(t, err)

	_, err = s.RoomByID(context.Background(), room.ID)
	require.ErrorIs(t, err, ErrRoomNotFound)
}

func TestScenarioDormantToClosed(t *testing.T) {
	s := bootstrap(t)

	a, b := mytesting.RandID(), mytesting.RandID()

	room, err := s.CreateRoom(context.Background(), a, "Hi", "", &b)
	require.NoError(t, err)
	require.Equal(t, RoomDormant, room.State)
	require.Equal(t, 1, room.MemberCount)

	join, err := s.JoinRoom(context.Background(), b, room.ID)
	require.NoError(t, err)
	require.Equal(t, RoomActive, join.Room.State)
	require.Equal(t, 2, join.Room.MemberCount)

	_, err = s.CreateMessage(context.Background(), a, room.ID, KindText, "hello")
	require.NoError(t, err)

	leaveB, err := s.LeaveRoom(context.Background(), b, room.ID)
	require.NoError(t, err)
	require.Equal(t, 1, leaveB.Room.MemberCount)
	require.Equal(t, RoomActive, leaveB.Room.State)

	leaveA, err := s.LeaveRoom(context.Background(), a, room.ID)
	require.NoError(t, err)
	require.Equal(t, 0, leaveA.Room.MemberCount)
	require.Equal(t, RoomClosed, leaveA.Room.State)
}
