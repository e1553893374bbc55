package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"
)

const messageColumns = "id, room_id, author_id, kind, payload, created_at, expires_at"

func scanMessage(row rowScanner) (Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.RoomID, &m.AuthorID, &m.Kind, &m.Payload, &m.CreatedAt, &m.ExpiresAt)
	return m, err
}

// insertSystemMessage appends a room-lifecycle message inside the caller's
// transaction. System messages carry author_id 0, reserved for the engine.
func insertSystemMessage(ctx context.Context, tx pgx.Tx, room Room, text string) (Message, error) {
	sql := `insert into messages (room_id, author_id, kind, payload, expires_at)
			values ($1, 0, $2, $3, $4)
			returning ` + messageColumns
	return scanMessage(tx.QueryRow(ctx, sql, room.ID, KindSystem, text, room.ExpiresAt))
}

// CreateMessage appends a message to a room. The author must be an active
// member and the room must not be expired; the message inherits the room's
// expiry and the author's last_seen_at is refreshed so their own message
// never counts as unread for them.
func (s *Store) CreateMessage(ctx context.Context, authorID, roomID int64, kind, payload string) (Message, error) {
	s.logger.Debugf("Creating %s message from user %d in room %d", kind, authorID, roomID)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Message{}, err
	}
	defer tx.Rollback(context.Background())

	var state string
	var expiresAt time.Time
	err = tx.QueryRow(ctx, "select state, expires_at from rooms where id = $1", roomID).Scan(&state, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, ErrRoomNotFound
		}
		return Message{}, err
	}
	if state == RoomClosed || expiresAt.Before(time.Now()) {
		return Message{}, ErrRoomExpired
	}

	var one int8
	err = tx.QueryRow(ctx,
		"select 1 from memberships where room_id = $1 and user_id = $2 and left_at is null limit 1",
		roomID, authorID).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, ErrNotMember
		}
		return Message{}, err
	}

	sql := `insert into messages (room_id, author_id, kind, payload, expires_at)
			values ($1, $2, $3, $4, $5)
			returning ` + messageColumns
	msg, err := scanMessage(tx.QueryRow(ctx, sql, roomID, authorID, kind, payload, expiresAt))
	if err != nil {
		return Message{}, err
	}

	_, err = tx.Exec(ctx,
		"update memberships set last_seen_at = now() where room_id = $1 and user_id = $2 and left_at is null",
		roomID, authorID)
	if err != nil {
		return Message{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return Message{}, err
	}

	return msg, nil
}

// Messages returns up to limit room messages ordered oldest to newest,
// optionally only those created before the cursor. Author-deleted
// messages are excluded.
func (s *Store) Messages(ctx context.Context, roomID int64, before *time.Time, limit int) ([]Message, error) {
	s.logger.Debugf("Retrieving messages for room %d", roomID)

	var one int8
	err := s.db.QueryRow(ctx, "select 1 from rooms where id = $1", roomID).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}

	sql := `select ` + messageColumns + ` from (
				select ` + messageColumns + `
				  from messages
				 where room_id = $1 and not deleted
				   and ($2::timestamptz is null or created_at < $2)
				 order by created_at desc
				 limit $3
			) page
			order by created_at asc`

	rows, err := s.db.Query(ctx, sql, roomID, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	s.logger.Debugf("Retrieved %d messages", len(messages))

	return messages, nil
}

// DeleteMessage soft-deletes a single message on behalf of its author.
// Distinct from evaporation: the row stays until room expiry, it is just
// hidden from reads.
func (s *Store) DeleteMessage(ctx context.Context, userID, messageID int64) error {
	tag, err := s.db.Exec(ctx,
		"update messages set deleted = true where id = $1 and author_id = $2", messageID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var one int8
	err = s.db.QueryRow(ctx, "select 1 from messages where id = $1", messageID).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrMessageNotFound
		}
		return err
	}
	return ErrNotAuthor
}
