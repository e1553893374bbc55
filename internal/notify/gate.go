package notify

import (
	"context"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	// roomBurstWindow collapses rapid messages in one room into at most
	// one push burst.
	roomBurstWindow = 2 * time.Second

	// nearbyCooldown caps nearby-user pushes per recipient.
	nearbyCooldown = 60 * time.Second
)

// Gate is the shared rate limiter for the notification pipeline. Every
// check is a single atomic set-if-absent with expiry, so concurrent
// workers racing on the same key cannot both win.
type Gate struct {
	rdb    *redis.Client
	prefix string
}

func NewGate(rdb *redis.Client, keyPrefix string) *Gate {
	return &Gate{rdb: rdb, prefix: keyPrefix}
}

// AllowRoomBurst reports whether a push burst for the room may go out
// now. At most one caller wins per window.
func (g *Gate) AllowRoomBurst(ctx context.Context, roomID int64) (bool, error) {
	return g.allow(ctx, "gate:room:"+strconv.FormatInt(roomID, 10), roomBurstWindow)
}

// AllowNearbyCooldown reports whether the recipient may receive another
// nearby-user push.
func (g *Gate) AllowNearbyCooldown(ctx context.Context, userID int64) (bool, error) {
	return g.allow(ctx, "gate:nearby:"+strconv.FormatInt(userID, 10), nearbyCooldown)
}

func (g *Gate) allow(ctx context.Context, key string, window time.Duration) (bool, error) {
	return g.rdb.SetNX(ctx, g.prefix+key, 1, window).Result()
}
