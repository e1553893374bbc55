// Package realtime is the room-scoped broadcast channel: connected
// clients receive new messages and lifecycle events immediately over
// websockets, and the set of connected user ids per room is mirrored
// into Redis so the notification pipeline can query presence from any
// process.
package realtime

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// presenceTTL bounds how stale the Redis presence view can get when a
// process dies without unregistering its clients.
const presenceTTL = 90 * time.Second

type broadcast struct {
	roomID  int64
	payload []byte
}

// Hub maintains the set of connected clients per room and fans events
// out to them.
type Hub struct {
	logger *zap.SugaredLogger
	rdb    *redis.Client
	prefix string

	register   chan *Client
	unregister chan *Client
	events     chan broadcast

	mu    sync.RWMutex
	rooms map[int64]map[*Client]struct{}
}

func NewHub(logger *zap.SugaredLogger, rdb *redis.Client, keyPrefix string) *Hub {
	return &Hub{
		logger:     logger,
		rdb:        rdb,
		prefix:     keyPrefix,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		events:     make(chan broadcast, 512),
		rooms:      make(map[int64]map[*Client]struct{}),
	}
}

// Run processes registration and broadcast events until ctx is done.
// It should run in its own goroutine.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("Hub is running")
	for {
		select {
		case c := <-h.register:
			h.addClient(ctx, c)
		case c := <-h.unregister:
			h.removeClient(ctx, c)
		case ev := <-h.events:
			h.fanOut(ev)
		case <-ctx.Done():
			h.logger.Info("Hub is shutting down")
			return
		}
	}
}

// Broadcast queues payload for delivery to every client in the room.
// Delivery is best-effort: a full hub queue drops the event.
func (h *Hub) Broadcast(roomID int64, payload []byte) {
	select {
	case h.events <- broadcast{roomID: roomID, payload: payload}:
	default:
		h.logger.Warnf("Hub event queue full, dropping broadcast for room %d", roomID)
	}
}

// ConnectedUserIDs reports which users are subscribed to the room right
// now, reading the Redis presence set shared across processes.
func (h *Hub) ConnectedUserIDs(ctx context.Context, roomID int64) ([]int64, error) {
	members, err := h.rdb.SMembers(ctx, h.presenceKey(roomID)).Result()
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (h *Hub) presenceKey(roomID int64) string {
	return h.prefix + "presence:room:" + strconv.FormatInt(roomID, 10)
}

func (h *Hub) addClient(ctx context.Context, c *Client) {
	h.mu.Lock()
	clients, ok := h.rooms[c.roomID]
	if !ok {
		clients = make(map[*Client]struct{})
		h.rooms[c.roomID] = clients
	}
	clients[c] = struct{}{}
	h.mu.Unlock()

	h.touchPresence(ctx, c)
	h.logger.Debugf("User %d subscribed to room %d", c.userID, c.roomID)
}

func (h *Hub) removeClient(ctx context.Context, c *Client) {
	h.mu.Lock()
	if clients, ok := h.rooms[c.roomID]; ok {
		if _, ok := clients[c]; ok {
			delete(clients, c)
			close(c.send)
			if len(clients) == 0 {
				delete(h.rooms, c.roomID)
			}
		}
	}
	h.mu.Unlock()

	if err := h.rdb.SRem(ctx, h.presenceKey(c.roomID), c.userID).Err(); err != nil {
		h.logger.Warnf("Removing presence for user %d in room %d: %v", c.userID, c.roomID, err)
	}
	h.logger.Debugf("User %d unsubscribed from room %d", c.userID, c.roomID)
}

// touchPresence (re)asserts membership in the presence set and extends
// its expiry. Called on register and on every pong.
func (h *Hub) touchPresence(ctx context.Context, c *Client) {
	key := h.presenceKey(c.roomID)
	pipe := h.rdb.Pipeline()
	pipe.SAdd(ctx, key, c.userID)
	pipe.Expire(ctx, key, presenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		h.logger.Warnf("Refreshing presence for user %d in room %d: %v", c.userID, c.roomID, err)
	}
}

func (h *Hub) fanOut(ev broadcast) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.rooms[ev.roomID] {
		select {
		case c.send <- ev.payload:
		default:
			// slow consumer, skip; its pump will time the connection out
			h.logger.Warnf("Send buffer full for user %d in room %d, dropping event", c.userID, ev.roomID)
		}
	}
}
