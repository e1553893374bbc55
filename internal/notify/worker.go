package notify

import (
	"context"
	"errors"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Server wraps the asynq consumer pool. Jobs are delivered at least
// once with bounded retries and exponential backoff; exhausted jobs are
// dropped with a log record, never surfaced to any user.
type Server struct {
	logger *zap.SugaredLogger
	server *asynq.Server
	worker *Worker
}

func NewServer(logger *zap.SugaredLogger, redisOpt asynq.RedisClientOpt, worker *Worker) *Server {
	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 10,
		Queues: map[string]int{
			"default": 5,
			"low":     1,
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			if retried >= maxRetry {
				logger.Errorf("Dropping %s task after %d attempts: %v", task.Type(), retried+1, err)
				return
			}
			logger.Warnf("Task %s failed (attempt %d of %d): %v", task.Type(), retried+1, maxRetry+1, err)
		}),
	})

	return &Server{logger: logger, server: srv, worker: worker}
}

// Start runs the consumer pool. It should run in its own goroutine.
func (s *Server) Start() {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeMessage, s.worker.HandleMessage)
	mux.HandleFunc(TypeNearby, s.worker.HandleNearby)
	mux.HandleFunc(TypeInvite, s.worker.HandleInvite)
	mux.HandleFunc(TypeSweep, s.worker.HandleSweep)

	s.logger.Info("Notification worker starting")
	if err := s.server.Run(mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
		s.logger.Fatalf("Notification worker stopped: %v", err)
	}
}

// Shutdown waits for in-flight jobs and stops the pool.
func (s *Server) Shutdown() {
	s.logger.Info("Shutting down notification worker")
	s.server.Shutdown()
}
