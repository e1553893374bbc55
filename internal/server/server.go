package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"

	"driftchat/internal/notify"
	"driftchat/internal/realtime"
	"driftchat/internal/storage"

	"go.uber.org/zap"
)

// Server defines fields used in HTTP processing
type Server struct {
	logger        *zap.SugaredLogger
	httpServer    *http.Server
	h             handler
	afterShutdown []func()
}

// NewServer wires the HTTP surface: POST JSON endpoints for the domain
// operations and one websocket endpoint for the realtime channel.
// Functions in afterShutdown run once the listener has drained, in
// order; the caller uses them to stop the worker, queue and store.
func NewServer(logger *zap.SugaredLogger, config EnvConfig, store *storage.Store, hub *realtime.Hub,
	dispatcher *notify.Dispatcher, afterShutdown ...func()) (*Server, error) {
	srv := &Server{
		logger: logger,
		h: handler{
			logger:     logger,
			store:      store,
			hub:        hub,
			dispatcher: dispatcher,
		},
		afterShutdown: afterShutdown,
	}

	post := func(hf http.HandlerFunc) http.Handler {
		return logRequests(identify(enforcePOSTJSON(hf)), logger.Desugar())
	}

	mux := http.NewServeMux()
	mux.Handle("/rooms/add", post(srv.h.createRoom))
	mux.Handle("/rooms/join", post(srv.h.joinRoom))
	mux.Handle("/rooms/leave", post(srv.h.leaveRoom))
	mux.Handle("/rooms/get", post(srv.h.myRooms))
	mux.Handle("/rooms/peer", post(srv.h.roomWithPeer))
	mux.Handle("/messages/add", post(srv.h.createMessage))
	mux.Handle("/messages/get", post(srv.h.messages))
	mux.Handle("/messages/delete", post(srv.h.deleteMessage))
	mux.Handle("/devices/add", post(srv.h.registerDevice))
	mux.Handle("/devices/optout", post(srv.h.deviceOptOut))
	mux.Handle("/notifications/add", post(srv.h.enqueueNotification))
	mux.Handle("/nearby/report", post(srv.h.reportNearby))
	mux.Handle("/moderation/sanction", post(srv.h.sanctionUser))
	mux.Handle("/ws/room", logRequests(identify(http.HandlerFunc(srv.h.roomSocket)), logger.Desugar()))

	srv.httpServer = &http.Server{
		Addr:    config.Host + ":" + strconv.FormatUint(uint64(config.Port), 10),
		Handler: mux,
	}

	return srv, nil
}

// Start calls ListenAndServe on http.Server instance inside Server struct
// and implements graceful shutdown via goroutine waiting for signals
func (s *Server) Start() error {
	idleConnsClosed := make(chan struct{})

	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt)
		<-sigint

		s.logger.Info("Shutting down HTTP server")

		if err := s.httpServer.Shutdown(context.Background()); err != nil {
			s.logger.Errorf("srv.Shutdown: %v", err)
		}
		s.logger.Info("HTTP server is stopped")

		close(idleConnsClosed)
	}()

	s.logger.Infof("Starting HTTP server on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("s.httpServer.ListenAndServe: %v", err)
	}

	<-idleConnsClosed

	for _, f := range s.afterShutdown {
		f()
	}

	return nil
}
