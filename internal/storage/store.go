package storage

import (
	"context"
	"errors"
	"time"

	"driftchat/internal/storage/zapadapter"

	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"
)

var (
	ErrRoomNotFound    = errors.New("room does not exist")
	ErrRoomExpired     = errors.New("room is closed or expired")
	ErrNotInvited      = errors.New("user is not invited to this room")
	ErrNotMember       = errors.New("user is not an active member of this room")
	ErrUserSanctioned  = errors.New("user is sanctioned")
	ErrMessageNotFound = errors.New("message does not exist")
	ErrNotAuthor       = errors.New("user is not the author of this message")
)

// roomHorizon is how far expires_at rolls forward on creation and resurrection.
const roomHorizon = 24 * time.Hour

// Store holds the connection pool all transactional state goes through.
type Store struct {
	logger *zap.SugaredLogger
	db     *pgxpool.Pool
}

// New parses cfg into a pgxpool config, applies options, wires pgx logging
// through the provided zap logger and connects.
func New(ctx context.Context, logger *zap.SugaredLogger, cfg Config, opts ...Option) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, err
	}
	poolConfig.ConnConfig.Logger = zapadapter.NewLogger(logger.Desugar())

	for _, opt := range opts {
		opt.apply(poolConfig)
	}

	pool, err := pgxpool.ConnectConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}

	return &Store{
		logger: logger,
		db:     pool,
	}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.db.Close()
}
