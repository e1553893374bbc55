package server

import (
	"encoding/json"
	"errors"
	"io/ioutil"
	"net/http"
	"strconv"
	"time"

	"driftchat/internal/notify"
	"driftchat/internal/realtime"
	"driftchat/internal/storage"

	"github.com/valyala/fastjson"
	"go.uber.org/zap"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

type handler struct {
	logger     *zap.SugaredLogger
	store      *storage.Store
	hub        *realtime.Hub
	dispatcher *notify.Dispatcher
	parsers    fastjson.ParserPool
}

// event is the envelope broadcast over the realtime channel.
type event struct {
	Type    string           `json:"type"`
	RoomID  int64            `json:"room_id"`
	UserID  int64            `json:"user_id,omitempty"`
	Room    *storage.Room    `json:"room,omitempty"`
	Message *storage.Message `json:"message,omitempty"`
}

func (h *handler) broadcast(ev event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Errorf("marshaling %s event: %v", ev.Type, err)
		return
	}
	h.hub.Broadcast(ev.RoomID, payload)
}

// storeError maps storage sentinel errors onto HTTP statuses. Anything
// unrecognized is an internal error and gets logged.
func (h *handler) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrRoomNotFound):
		http.Error(w, "Room does not exist", http.StatusNotFound)
	case errors.Is(err, storage.ErrMessageNotFound):
		http.Error(w, "Message does not exist", http.StatusNotFound)
	case errors.Is(err, storage.ErrRoomExpired):
		http.Error(w, "Room is closed or expired", http.StatusBadRequest)
	case errors.Is(err, storage.ErrNotMember):
		http.Error(w, "User is not a member of this room", http.StatusBadRequest)
	case errors.Is(err, storage.ErrNotInvited):
		http.Error(w, "Room is private", http.StatusForbidden)
	case errors.Is(err, storage.ErrNotAuthor):
		http.Error(w, "Only the author may delete a message", http.StatusForbidden)
	case errors.Is(err, storage.ErrUserSanctioned):
		http.Error(w, "User is sanctioned", http.StatusForbidden)
	default:
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, logger *zap.SugaredLogger, status int, payload []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(payload); err != nil {
		logger.Errorf("writing marshaled data to ResponseWriter: %v", err)
	}
}

// int64Field extracts a positive 64-bit integer field; the returned
// string is an error message suitable for the client, empty on success.
func int64Field(v *fastjson.Value, name string) (int64, string) {
	if !v.Exists(name) {
		return 0, "Missing Field \"" + name + "\""
	}
	n, err := v.Get(name).Int64()
	if err != nil {
		return 0, "Field \"" + name + "\" must be a 64-bit integer value"
	}
	if n < 1 {
		return 0, "Field \"" + name + "\" must be a positive id"
	}
	return n, ""
}

func stringField(v *fastjson.Value, name string) (string, string) {
	if !v.Exists(name) {
		return "", "Missing Field \"" + name + "\""
	}
	sv := v.Get(name)
	if sv.Type() != fastjson.TypeString {
		return "", "Field \"" + name + "\" must be a string"
	}
	s := string(sv.GetStringBytes())
	if len(s) == 0 {
		return "", "Field \"" + name + "\" must have non-zero length"
	}
	return s, ""
}

// createRoom handles HTTP requests on "/rooms/add" endpoint
func (h *handler) createRoom(w http.ResponseWriter, r *http.Request) {
	userID, _ := userFromContext(r.Context())
	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.Get()
	defer h.parsers.Put(parser)
	v, _ := parser.ParseBytes(body)

	displayName, errMsg := stringField(v, "display_name")
	if errMsg != "" {
		http.Error(w, errMsg, http.StatusBadRequest)
		return
	}

	category := ""
	if v.Exists("category") {
		category = string(v.GetStringBytes("category"))
	}

	var invitee *int64
	if v.Exists("invitee") {
		id, errMsg := int64Field(v, "invitee")
		if errMsg != "" {
			http.Error(w, errMsg, http.StatusBadRequest)
			return
		}
		if id == userID {
			http.Error(w, "Field \"invitee\" must reference another user", http.StatusBadRequest)
			return
		}
		invitee = &id
	}

	quickQuestion := v.GetBool("quick_question")

	room, err := h.store.CreateRoom(r.Context(), userID, displayName, category, invitee)
	if err != nil {
		h.storeError(w, err)
		return
	}

	if invitee != nil {
		if err := h.dispatcher.RoomInvited(r.Context(), *invitee, room, quickQuestion); err != nil {
			h.logger.Errorf("dispatching invite for room %d: %v", room.ID, err)
		}
	}

	payload, err := json.Marshal(room)
	if err != nil {
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	writeJSON(w, h.logger, http.StatusCreated, payload)
}

// joinRoom handles HTTP requests on "/rooms/join" endpoint
func (h *handler) joinRoom(w http.ResponseWriter, r *http.Request) {
	userID, _ := userFromContext(r.Context())
	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.Get()
	defer h.parsers.Put(parser)
	v, _ := parser.ParseBytes(body)

	roomID, errMsg := int64Field(v, "room")
	if errMsg != "" {
		http.Error(w, errMsg, http.StatusBadRequest)
		return
	}

	res, err := h.store.JoinRoom(r.Context(), userID, roomID)
	if err != nil {
		h.storeError(w, err)
		return
	}

	if !res.AlreadyJoined {
		h.broadcast(event{Type: "joined", RoomID: res.Room.ID, UserID: userID, Room: &res.Room, Message: res.SystemMessage})
	}

	payload, err := json.Marshal(res.Room)
	if err != nil {
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, payload)
}

// leaveRoom handles HTTP requests on "/rooms/leave" endpoint
func (h *handler) leaveRoom(w http.ResponseWriter, r *http.Request) {
	userID, _ := userFromContext(r.Context())
	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.Get()
	defer h.parsers.Put(parser)
	v, _ := parser.ParseBytes(body)

	roomID, errMsg := int64Field(v, "room")
	if errMsg != "" {
		http.Error(w, errMsg, http.StatusBadRequest)
		return
	}

	res, err := h.store.LeaveRoom(r.Context(), userID, roomID)
	if err != nil {
		h.storeError(w, err)
		return
	}

	h.broadcast(event{Type: "left", RoomID: res.Room.ID, UserID: res.DepartedID, Room: &res.Room, Message: &res.SystemMessage})

	payload, err := json.Marshal(res.Room)
	if err != nil {
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, payload)
}

// myRooms handles HTTP requests on "/rooms/get" endpoint
func (h *handler) myRooms(w http.ResponseWriter, r *http.Request) {
	userID, _ := userFromContext(r.Context())

	rooms, err := h.store.RoomsByUserID(r.Context(), userID)
	if err != nil {
		h.storeError(w, err)
		return
	}

	payload, err := json.Marshal(rooms)
	if err != nil {
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, payload)
}

// roomWithPeer handles HTTP requests on "/rooms/peer" endpoint.
// Both directions of the (creator, invitee) pair are equivalent here.
func (h *handler) roomWithPeer(w http.ResponseWriter, r *http.Request) {
	userID, _ := userFromContext(r.Context())
	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.Get()
	defer h.parsers.Put(parser)
	v, _ := parser.ParseBytes(body)

	peerID, errMsg := int64Field(v, "peer")
	if errMsg != "" {
		http.Error(w, errMsg, http.StatusBadRequest)
		return
	}

	room, err := h.store.RoomWithPeer(r.Context(), userID, peerID)
	if err != nil {
		h.storeError(w, err)
		return
	}

	payload, err := json.Marshal(room)
	if err != nil {
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, payload)
}

// createMessage handles HTTP requests on "/messages/add" endpoint.
// The transaction commits first, then the realtime broadcast fires and
// the notification job is enqueued; the request never waits on push
// delivery.
func (h *handler) createMessage(w http.ResponseWriter, r *http.Request) {
	userID, _ := userFromContext(r.Context())
	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.Get()
	defer h.parsers.Put(parser)
	v, _ := parser.ParseBytes(body)

	roomID, errMsg := int64Field(v, "room")
	if errMsg != "" {
		http.Error(w, errMsg, http.StatusBadRequest)
		return
	}

	text, errMsg := stringField(v, "payload")
	if errMsg != "" {
		http.Error(w, errMsg, http.StatusBadRequest)
		return
	}

	kind := storage.KindText
	if v.Exists("kind") {
		kind = string(v.GetStringBytes("kind"))
		if kind != storage.KindText && kind != storage.KindImage {
			http.Error(w, "Field \"kind\" must be \"text\" or \"image\"", http.StatusBadRequest)
			return
		}
	}

	msg, err := h.store.CreateMessage(r.Context(), userID, roomID, kind, text)
	if err != nil {
		h.storeError(w, err)
		return
	}

	h.broadcast(event{Type: "message", RoomID: roomID, UserID: userID, Message: &msg})

	room, err := h.store.RoomByID(r.Context(), roomID)
	if err != nil {
		room = storage.Room{ID: roomID}
	}
	if err := h.dispatcher.MessageSent(r.Context(), room, msg); err != nil {
		h.logger.Errorf("dispatching message notification for room %d: %v", roomID, err)
	}

	payload := []byte(`{"id":` + strconv.FormatInt(msg.ID, 10) + `}`)
	writeJSON(w, h.logger, http.StatusCreated, payload)
}

// messages handles HTTP requests on "/messages/get" endpoint
func (h *handler) messages(w http.ResponseWriter, r *http.Request) {
	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.Get()
	defer h.parsers.Put(parser)
	v, _ := parser.ParseBytes(body)

	roomID, errMsg := int64Field(v, "room")
	if errMsg != "" {
		http.Error(w, errMsg, http.StatusBadRequest)
		return
	}

	var before *time.Time
	if v.Exists("before") {
		t, err := time.Parse(time.RFC3339, string(v.GetStringBytes("before")))
		if err != nil {
			http.Error(w, "Field \"before\" must be an RFC 3339 timestamp", http.StatusBadRequest)
			return
		}
		before = &t
	}

	limit := defaultPageSize
	if v.Exists("limit") {
		n, err := v.Get("limit").Int64()
		if err != nil || n < 1 {
			http.Error(w, "Field \"limit\" must be a positive integer", http.StatusBadRequest)
			return
		}
		if n > maxPageSize {
			n = maxPageSize
		}
		limit = int(n)
	}

	messages, err := h.store.Messages(r.Context(), roomID, before, limit)
	if err != nil {
		h.storeError(w, err)
		return
	}

	payload, err := json.Marshal(messages)
	if err != nil {
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, payload)
}

// deleteMessage handles HTTP requests on "/messages/delete" endpoint
func (h *handler) deleteMessage(w http.ResponseWriter, r *http.Request) {
	userID, _ := userFromContext(r.Context())
	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.Get()
	defer h.parsers.Put(parser)
	v, _ := parser.ParseBytes(body)

	messageID, errMsg := int64Field(v, "message")
	if errMsg != "" {
		http.Error(w, errMsg, http.StatusBadRequest)
		return
	}

	if err := h.store.DeleteMessage(r.Context(), userID, messageID); err != nil {
		h.storeError(w, err)
		return
	}

	writeJSON(w, h.logger, http.StatusOK, []byte(`{"deleted":true}`))
}

// registerDevice handles HTTP requests on "/devices/add" endpoint
func (h *handler) registerDevice(w http.ResponseWriter, r *http.Request) {
	userID, _ := userFromContext(r.Context())
	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.Get()
	defer h.parsers.Put(parser)
	v, _ := parser.ParseBytes(body)

	token, errMsg := stringField(v, "token")
	if errMsg != "" {
		http.Error(w, errMsg, http.StatusBadRequest)
		return
	}

	platform, errMsg := stringField(v, "platform")
	if errMsg != "" {
		http.Error(w, errMsg, http.StatusBadRequest)
		return
	}

	if err := h.store.RegisterDestination(r.Context(), userID, token, platform); err != nil {
		h.storeError(w, err)
		return
	}

	writeJSON(w, h.logger, http.StatusCreated, []byte(`{"registered":true}`))
}

// deviceOptOut handles HTTP requests on "/devices/optout" endpoint
func (h *handler) deviceOptOut(w http.ResponseWriter, r *http.Request) {
	userID, _ := userFromContext(r.Context())
	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.Get()
	defer h.parsers.Put(parser)
	v, _ := parser.ParseBytes(body)

	if !v.Exists("opted_out") {
		http.Error(w, "Missing Field \"opted_out\"", http.StatusBadRequest)
		return
	}

	if err := h.store.SetPushOptOut(r.Context(), userID, v.GetBool("opted_out")); err != nil {
		h.storeError(w, err)
		return
	}

	writeJSON(w, h.logger, http.StatusOK, []byte(`{"updated":true}`))
}

// enqueueNotification handles HTTP requests on "/notifications/add"
// endpoint: the transport-agnostic EnqueueNotification operation.
func (h *handler) enqueueNotification(w http.ResponseWriter, r *http.Request) {
	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.Get()
	defer h.parsers.Put(parser)
	v, _ := parser.ParseBytes(body)

	kind, errMsg := stringField(v, "kind")
	if errMsg != "" {
		http.Error(w, errMsg, http.StatusBadRequest)
		return
	}

	payloadValue := v.Get("payload")
	if payloadValue == nil || payloadValue.Type() != fastjson.TypeObject {
		http.Error(w, "Field \"payload\" must be an object", http.StatusBadRequest)
		return
	}

	if err := h.dispatcher.Enqueue(r.Context(), kind, payloadValue.MarshalTo(nil)); err != nil {
		http.Error(w, "Unknown notification kind", http.StatusBadRequest)
		return
	}

	writeJSON(w, h.logger, http.StatusAccepted, []byte(`{"enqueued":true}`))
}

// reportNearby handles HTTP requests on "/nearby/report" endpoint: the
// caller sighted a peer via proximity signals; if the peer opts into
// discovery, they get a cooldown-gated push.
func (h *handler) reportNearby(w http.ResponseWriter, r *http.Request) {
	userID, _ := userFromContext(r.Context())
	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.Get()
	defer h.parsers.Put(parser)
	v, _ := parser.ParseBytes(body)

	peerID, errMsg := int64Field(v, "peer")
	if errMsg != "" {
		http.Error(w, errMsg, http.StatusBadRequest)
		return
	}

	distance := v.GetFloat64("distance")
	if distance < 0 {
		http.Error(w, "Field \"distance\" must be non-negative", http.StatusBadRequest)
		return
	}

	if !v.GetBool("discoverable") {
		writeJSON(w, h.logger, http.StatusOK, []byte(`{"notified":false}`))
		return
	}

	if err := h.dispatcher.UserNearby(r.Context(), peerID, userID, distance); err != nil {
		h.logger.Errorf("dispatching nearby notification for peer %d: %v", peerID, err)
	}

	writeJSON(w, h.logger, http.StatusOK, []byte(`{"notified":true}`))
}

// sanctionUser handles HTTP requests on "/moderation/sanction"
// endpoint: the hook the moderation policy calls once its thresholds
// decide a user must be locked out of new rooms.
func (h *handler) sanctionUser(w http.ResponseWriter, r *http.Request) {
	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.Get()
	defer h.parsers.Put(parser)
	v, _ := parser.ParseBytes(body)

	targetID, errMsg := int64Field(v, "user")
	if errMsg != "" {
		http.Error(w, errMsg, http.StatusBadRequest)
		return
	}

	until, err := time.Parse(time.RFC3339, string(v.GetStringBytes("until")))
	if err != nil {
		http.Error(w, "Field \"until\" must be an RFC 3339 timestamp", http.StatusBadRequest)
		return
	}

	if err := h.store.SanctionUser(r.Context(), targetID, until); err != nil {
		h.storeError(w, err)
		return
	}

	writeJSON(w, h.logger, http.StatusOK, []byte(`{"sanctioned":true}`))
}
