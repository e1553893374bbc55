package storage

import (
	"context"
)

// Sweep removes expired state: messages past their expiry, then
// memberships of expired rooms, then the rooms themselves. Every delete
// is keyed by time, so overlapping sweeps are safe to run concurrently
// with each other and with request traffic.
func (s *Store) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	tag, err := s.db.Exec(ctx, "delete from messages where expires_at < now()")
	if err != nil {
		return res, err
	}
	res.Messages = tag.RowsAffected()

	tag, err = s.db.Exec(ctx,
		"delete from memberships m using rooms r where m.room_id = r.id and r.expires_at < now()")
	if err != nil {
		return res, err
	}
	res.Memberships = tag.RowsAffected()

	tag, err = s.db.Exec(ctx, "delete from rooms where expires_at < now()")
	if err != nil {
		return res, err
	}
	res.Rooms = tag.RowsAffected()

	if res.Messages+res.Memberships+res.Rooms > 0 {
		s.logger.Infof("Sweep removed %d messages, %d memberships, %d rooms",
			res.Messages, res.Memberships, res.Rooms)
	}

	return res, nil
}
