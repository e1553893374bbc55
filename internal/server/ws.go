package server

import (
	"net/http"
	"strconv"

	"driftchat/internal/realtime"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// origin is enforced by the gateway in front of this service
	CheckOrigin: func(*http.Request) bool { return true },
}

// roomSocket handles GET requests on the "/ws/room" endpoint. Only
// active room members may subscribe; the subscription also marks the
// user present for notification exclusion.
func (h *handler) roomSocket(w http.ResponseWriter, r *http.Request) {
	userID, _ := userFromContext(r.Context())

	roomID, err := strconv.ParseInt(r.URL.Query().Get("room"), 10, 64)
	if err != nil || roomID < 1 {
		http.Error(w, "Query parameter \"room\" must be a positive id", http.StatusBadRequest)
		return
	}

	member, err := h.store.IsActiveMember(r.Context(), roomID, userID)
	if err != nil {
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	if !member {
		http.Error(w, "User is not a member of this room", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorf("upgrading websocket for user %d: %v", userID, err)
		return
	}

	realtime.NewClient(h.hub, conn, roomID, userID).Start()
}
