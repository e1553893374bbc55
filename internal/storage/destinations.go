package storage

import (
	"context"
)

// RegisterDestination records a push token for a user. A token seen
// before is re-bound to the user and reactivated.
func (s *Store) RegisterDestination(ctx context.Context, userID int64, token, platform string) error {
	s.logger.Debugf("Registering %s push destination for user %d", platform, userID)

	sql := `insert into push_destinations (user_id, token, platform)
			values ($1, $2, $3)
			on conflict (token)
			do update set user_id = excluded.user_id, platform = excluded.platform,
						  active = true, updated_at = now()`
	_, err := s.db.Exec(ctx, sql, userID, token, platform)
	return err
}

// DeactivateDestination retires a token the transport reported as no
// longer registered. Deactivating an already-inactive token is a no-op.
func (s *Store) DeactivateDestination(ctx context.Context, token string) error {
	tag, err := s.db.Exec(ctx,
		"update push_destinations set active = false, updated_at = now() where token = $1", token)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		s.logger.Infof("Deactivated push destination %s...", truncateToken(token))
	}
	return nil
}

// DestinationsByUserIDs resolves active delivery destinations for the
// given users, skipping users who opted out of push entirely.
func (s *Store) DestinationsByUserIDs(ctx context.Context, userIDs []int64) ([]PushDestination, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	sql := `select user_id, token, platform
			  from push_destinations
			 where user_id = any($1) and active
			   and user_id not in (select user_id from push_optouts)`

	rows, err := s.db.Query(ctx, sql, userIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dests []PushDestination
	for rows.Next() {
		var d PushDestination
		if err = rows.Scan(&d.UserID, &d.Token, &d.Platform); err != nil {
			return nil, err
		}
		dests = append(dests, d)
	}
	return dests, rows.Err()
}

// SetPushOptOut flips the user-level push switch. Opt-out survives token
// churn, which is why it is not a flag on destinations.
func (s *Store) SetPushOptOut(ctx context.Context, userID int64, optedOut bool) error {
	var err error
	if optedOut {
		_, err = s.db.Exec(ctx,
			"insert into push_optouts (user_id) values ($1) on conflict (user_id) do nothing", userID)
	} else {
		_, err = s.db.Exec(ctx, "delete from push_optouts where user_id = $1", userID)
	}
	return err
}

func truncateToken(token string) string {
	if len(token) > 8 {
		return token[:8]
	}
	return token
}
