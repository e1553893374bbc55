package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
)

const roomColumns = "id, display_name, creator_id, invitee_id, category, state, created_at, expires_at, member_count"

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRoom(row rowScanner) (Room, error) {
	var r Room
	err := row.Scan(&r.ID, &r.DisplayName, &r.CreatorID, &r.InviteeID, &r.Category,
		&r.State, &r.CreatedAt, &r.ExpiresAt, &r.MemberCount)
	return r, err
}

// CreateRoom opens a room for creator. With an invitee the room starts
// Dormant and the (creator, invitee) pair is unique: a conflicting
// insert means a room from a prior session exists, and the same
// statement reactivates it in place instead of surfacing an error.
// Without an invitee the room starts Active and no uniqueness applies.
func (s *Store) CreateRoom(ctx context.Context, creator int64, displayName, category string, invitee *int64) (Room, error) {
	s.logger.Debugf("Creating room %q for user %d", displayName, creator)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Room{}, err
	}
	// error handling can be omitted for rollback according docs
	// see https://pkg.go.dev/github.com/jackc/pgx/v4?tab=doc#hdr-Transactions
	defer tx.Rollback(context.Background())

	if err := s.checkSanction(ctx, tx, creator); err != nil {
		return Room{}, err
	}

	state := RoomActive
	if invitee != nil {
		state = RoomDormant
	}
	expiresAt := time.Now().Add(roomHorizon)

	// An existing room for the pair is reactivated in the same statement:
	// state back to Active, expiry rolled forward, member count reset to
	// the creator.
	var roomID int64
	sql := `insert into rooms (display_name, creator_id, invitee_id, category, state, expires_at, member_count)
			values ($1, $2, $3, $4, $5, $6, 1)
			on conflict (creator_id, invitee_id) where invitee_id is not null
			do update set state = $7, expires_at = excluded.expires_at,
						  display_name = excluded.display_name, category = excluded.category,
						  member_count = 1
			returning id`
	err = tx.QueryRow(ctx, sql, displayName, creator, invitee, category, state, expiresAt, RoomActive).Scan(&roomID)
	if err != nil {
		return Room{}, err
	}

	if err := upsertMembership(ctx, tx, roomID, creator, RoleCreator); err != nil {
		return Room{}, err
	}

	var room Room
	room, err = scanRoom(tx.QueryRow(ctx, "select "+roomColumns+" from rooms where id = $1", roomID))
	if err != nil {
		return Room{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return Room{}, err
	}

	s.logger.Debugf("Room %d ready (state %s)", room.ID, room.State)

	return room, nil
}

// upsertMembership inserts an active membership row or, when one already
// exists, refreshes its timestamps. Historical rows (left_at set) are left
// alone; a fresh row is inserted next to them.
func upsertMembership(ctx context.Context, tx pgx.Tx, roomID, userID int64, role string) error {
	sql := `insert into memberships (room_id, user_id, role)
			values ($1, $2, $3)
			on conflict (room_id, user_id) where left_at is null
			do update set joined_at = now(), last_seen_at = now()`
	_, err := tx.Exec(ctx, sql, roomID, userID, role)
	return err
}

// checkSanction refuses new occupancy for sanctioned users. The sanction
// itself is written by the moderation policy via SanctionUser.
func (s *Store) checkSanction(ctx context.Context, tx pgx.Tx, userID int64) error {
	var one int8
	err := tx.QueryRow(ctx, "select 1 from sanctions where user_id = $1 and until > now()", userID).Scan(&one)
	if err == nil {
		return ErrUserSanctioned
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	return err
}

// JoinResult is what JoinRoom hands back for realtime fan-out.
type JoinResult struct {
	Room          Room
	SystemMessage *Message
	AlreadyJoined bool
}

// JoinRoom adds user to a room. Joining twice is idempotent; joining a
// Dormant room is reserved for its invitee and flips the room Active.
// A unique violation on the membership insert means a concurrent join
// won the race and is treated as "already joined".
func (s *Store) JoinRoom(ctx context.Context, userID, roomID int64) (JoinResult, error) {
	s.logger.Debugf("User %d joining room %d", userID, roomID)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return JoinResult{}, err
	}
	defer tx.Rollback(context.Background())

	room, err := scanRoom(tx.QueryRow(ctx, "select "+roomColumns+" from rooms where id = $1 for update", roomID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return JoinResult{}, ErrRoomNotFound
		}
		return JoinResult{}, err
	}

	if room.State == RoomClosed || room.ExpiresAt.Before(time.Now()) {
		return JoinResult{}, ErrRoomExpired
	}

	if err := s.checkSanction(ctx, tx, userID); err != nil {
		return JoinResult{}, err
	}

	var one int8
	err = tx.QueryRow(ctx,
		"select 1 from memberships where room_id = $1 and user_id = $2 and left_at is null",
		roomID, userID).Scan(&one)
	switch {
	case err == nil:
		_, err = tx.Exec(ctx,
			"update memberships set last_seen_at = now() where room_id = $1 and user_id = $2 and left_at is null",
			roomID, userID)
		if err != nil {
			return JoinResult{}, err
		}
		if err = tx.Commit(ctx); err != nil {
			return JoinResult{}, err
		}
		return JoinResult{Room: room, AlreadyJoined: true}, nil
	case errors.Is(err, pgx.ErrNoRows):
		// not a member yet
	default:
		return JoinResult{}, err
	}

	if room.State == RoomDormant && userID != room.CreatorID {
		if room.InviteeID == nil || *room.InviteeID != userID {
			return JoinResult{}, ErrNotInvited
		}
	}

	_, err = tx.Exec(ctx, "insert into memberships (room_id, user_id, role) values ($1, $2, $3)",
		roomID, userID, RoleMember)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			// lost a concurrent join race; the violation aborted the
			// transaction, so the deferred rollback discards it and the
			// outcome matches the idempotent path
			return JoinResult{Room: room, AlreadyJoined: true}, nil
		}
		return JoinResult{}, err
	}

	sql := `update rooms
			   set member_count = member_count + 1,
				   state = case when state = $2 then $3 else state end
			 where id = $1
			 returning ` + roomColumns
	room, err = scanRoom(tx.QueryRow(ctx, sql, roomID, RoomDormant, RoomActive))
	if err != nil {
		return JoinResult{}, err
	}

	sysMsg, err := insertSystemMessage(ctx, tx, room, fmt.Sprintf("user %d joined", userID))
	if err != nil {
		return JoinResult{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return JoinResult{}, err
	}

	s.logger.Debugf("User %d joined room %d (members: %d)", userID, roomID, room.MemberCount)

	return JoinResult{Room: room, SystemMessage: &sysMsg}, nil
}

// LeaveResult is what LeaveRoom hands back for realtime fan-out.
type LeaveResult struct {
	Room          Room
	DepartedID    int64
	SystemMessage Message
}

// LeaveRoom removes user from a room. All of the user's messages in the
// room are hard-deleted (evaporation), a system message records the
// departure, and an emptied room closes immediately with its expiry
// pulled to now so the reaper can collect it.
func (s *Store) LeaveRoom(ctx context.Context, userID, roomID int64) (LeaveResult, error) {
	s.logger.Debugf("User %d leaving room %d", userID, roomID)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return LeaveResult{}, err
	}
	defer tx.Rollback(context.Background())

	room, err := scanRoom(tx.QueryRow(ctx, "select "+roomColumns+" from rooms where id = $1 for update", roomID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return LeaveResult{}, ErrRoomNotFound
		}
		return LeaveResult{}, err
	}

	var one int8
	err = tx.QueryRow(ctx,
		"select 1 from memberships where room_id = $1 and user_id = $2 and left_at is null limit 1",
		roomID, userID).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return LeaveResult{}, ErrNotMember
		}
		return LeaveResult{}, err
	}

	// evaporation: the user's messages leave with them
	_, err = tx.Exec(ctx, "delete from messages where room_id = $1 and author_id = $2", roomID, userID)
	if err != nil {
		return LeaveResult{}, err
	}

	sysMsg, err := insertSystemMessage(ctx, tx, room, fmt.Sprintf("user %d left, their messages evaporated", userID))
	if err != nil {
		return LeaveResult{}, err
	}

	// collapse duplicate active rows, keeping the most recently joined
	sql := `delete from memberships
			 where room_id = $1 and user_id = $2 and left_at is null
			   and id not in (
					select id from memberships
					 where room_id = $1 and user_id = $2 and left_at is null
					 order by joined_at desc, id desc
					 limit 1)`
	if _, err = tx.Exec(ctx, sql, roomID, userID); err != nil {
		return LeaveResult{}, err
	}

	_, err = tx.Exec(ctx,
		"update memberships set left_at = now() where room_id = $1 and user_id = $2 and left_at is null",
		roomID, userID)
	if err != nil {
		return LeaveResult{}, err
	}

	sql = `update rooms set member_count = greatest(member_count - 1, 0) where id = $1 returning ` + roomColumns
	room, err = scanRoom(tx.QueryRow(ctx, sql, roomID))
	if err != nil {
		return LeaveResult{}, err
	}

	if room.MemberCount == 0 {
		sql = `update rooms set state = $2, expires_at = now() where id = $1 returning ` + roomColumns
		room, err = scanRoom(tx.QueryRow(ctx, sql, roomID, RoomClosed))
		if err != nil {
			return LeaveResult{}, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return LeaveResult{}, err
	}

	s.logger.Debugf("User %d left room %d (members: %d, state: %s)", userID, roomID, room.MemberCount, room.State)

	return LeaveResult{Room: room, DepartedID: userID, SystemMessage: sysMsg}, nil
}

// RoomByID fetches a single room.
func (s *Store) RoomByID(ctx context.Context, roomID int64) (Room, error) {
	room, err := scanRoom(s.db.QueryRow(ctx, "select "+roomColumns+" from rooms where id = $1", roomID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Room{}, ErrRoomNotFound
		}
		return Room{}, err
	}
	return room, nil
}

// RoomWithPeer finds the open two-party room between me and peer,
// regardless of which of the two created it.
func (s *Store) RoomWithPeer(ctx context.Context, me, peer int64) (Room, error) {
	sql := `select ` + roomColumns + ` from rooms
			 where invitee_id is not null and state <> $3
			   and ((creator_id = $1 and invitee_id = $2) or (creator_id = $2 and invitee_id = $1))
			 order by created_at desc
			 limit 1`
	room, err := scanRoom(s.db.QueryRow(ctx, sql, me, peer, RoomClosed))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Room{}, ErrRoomNotFound
		}
		return Room{}, err
	}
	return room, nil
}

// RoomsByUserID returns the rooms the user occupies, plus dormant rooms
// the user created or is invited to, with active member previews.
func (s *Store) RoomsByUserID(ctx context.Context, userID int64) ([]Room, error) {
	s.logger.Debugf("Retrieving rooms for user %d", userID)

	sql := `with my_rooms as (
				select r.* from rooms r
				  join memberships m on m.room_id = r.id
				 where m.user_id = $1 and m.left_at is null
				union
				select r.* from rooms r
				 where r.state = '` + RoomDormant + `' and (r.creator_id = $1 or r.invitee_id = $1)
			),

			members_per_room as (
				select room_id,
					   array_agg(jsonb_build_object('user_id', user_id, 'role', role, 'joined_at', joined_at)) as members
				  from memberships
				 where left_at is null
				 group by room_id
			)

			select mr.id, mr.display_name, mr.creator_id, mr.invitee_id, mr.category,
				   mr.state, mr.created_at, mr.expires_at, mr.member_count,
				   coalesce(mpr.members, array[]::jsonb[])
			  from my_rooms mr
			  left join members_per_room mpr on mpr.room_id = mr.id
			 order by mr.expires_at desc`

	rows, err := s.db.Query(ctx, sql, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Room
	for rows.Next() {
		var r Room
		var members pgtype.JSONBArray
		err = rows.Scan(&r.ID, &r.DisplayName, &r.CreatorID, &r.InviteeID, &r.Category,
			&r.State, &r.CreatedAt, &r.ExpiresAt, &r.MemberCount, &members)
		if err != nil {
			return nil, err
		}

		membersJSON := make([]string, len(members.Elements))
		if err = members.AssignTo(&membersJSON); err != nil {
			return nil, err
		}

		r.Members = make([]RoomMember, len(membersJSON))
		for i, v := range membersJSON {
			if err = json.Unmarshal([]byte(v), &r.Members[i]); err != nil {
				return nil, err
			}
		}

		out = append(out, r)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	s.logger.Debugf("Retrieved %d rooms for user %d", len(out), userID)

	return out, nil
}

// ActiveMemberIDs lists the current occupants of a room.
func (s *Store) ActiveMemberIDs(ctx context.Context, roomID int64) ([]int64, error) {
	rows, err := s.db.Query(ctx,
		"select user_id from memberships where room_id = $1 and left_at is null", roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err = rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// IsActiveMember reports whether the user currently occupies the room.
func (s *Store) IsActiveMember(ctx context.Context, roomID, userID int64) (bool, error) {
	var one int8
	err := s.db.QueryRow(ctx,
		"select 1 from memberships where room_id = $1 and user_id = $2 and left_at is null limit 1",
		roomID, userID).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// SanctionUser records a moderation decision; new memberships for the
// user are refused until the given time.
func (s *Store) SanctionUser(ctx context.Context, userID int64, until time.Time) error {
	_, err := s.db.Exec(ctx,
		"insert into sanctions (user_id, until) values ($1, $2) on conflict (user_id) do update set until = excluded.until",
		userID, until)
	return err
}
