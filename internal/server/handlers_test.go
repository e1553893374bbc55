package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"driftchat/internal/notify"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingEnqueuer struct {
	tasks []*asynq.Task
}

func (f *recordingEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: "test-task"}, nil
}

type emptyPresence struct{}

func (emptyPresence) ConnectedUserIDs(context.Context, int64) ([]int64, error) {
	return nil, nil
}

func testHandler(enq *recordingEnqueuer) *handler {
	logger := zap.NewNop().Sugar()
	return &handler{
		logger:     logger,
		dispatcher: notify.NewDispatcher(logger, enq, emptyPresence{}),
	}
}

// postAs builds a request the way the middleware chain would deliver it:
// JSON body plus the authenticated user in the context.
func postAs(userID int64, target, body string) *http.Request {
	req := httptest.NewRequest("POST", target, strings.NewReader(body))
	return req.WithContext(context.WithValue(req.Context(), userIDKey{}, userID))
}

func TestCreateRoomValidation(t *testing.T) {
	h := testHandler(&recordingEnqueuer{})

	cases := []struct {
		name string
		body string
	}{
		{"missing display_name", `{}`},
		{"empty display_name", `{"display_name":""}`},
		{"non-string display_name", `{"display_name":7}`},
		{"self invite", `{"display_name":"Hi","invitee":1}`},
		{"non-positive invitee", `{"display_name":"Hi","invitee":0}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.createRoom(rec, postAs(1, "/rooms/add", tc.body))
			require.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestJoinRoomValidation(t *testing.T) {
	h := testHandler(&recordingEnqueuer{})

	for _, body := range []string{`{}`, `{"room":"five"}`, `{"room":-1}`} {
		rec := httptest.NewRecorder()
		h.joinRoom(rec, postAs(1, "/rooms/join", body))
		require.Equal(t, http.StatusBadRequest, rec.Code, "body %s", body)
	}
}

func TestCreateMessageValidation(t *testing.T) {
	h := testHandler(&recordingEnqueuer{})

	cases := []string{
		`{"payload":"hi"}`,
		`{"room":5}`,
		`{"room":5,"payload":""}`,
		`{"room":5,"payload":"hi","kind":"video"}`,
	}
	for _, body := range cases {
		rec := httptest.NewRecorder()
		h.createMessage(rec, postAs(1, "/messages/add", body))
		require.Equal(t, http.StatusBadRequest, rec.Code, "body %s", body)
	}
}

func TestMessagesValidation(t *testing.T) {
	h := testHandler(&recordingEnqueuer{})

	cases := []string{
		`{"room":5,"before":"yesterday"}`,
		`{"room":5,"limit":0}`,
		`{"room":5,"limit":"ten"}`,
	}
	for _, body := range cases {
		rec := httptest.NewRecorder()
		h.messages(rec, postAs(1, "/messages/get", body))
		require.Equal(t, http.StatusBadRequest, rec.Code, "body %s", body)
	}
}

func TestEnqueueNotification(t *testing.T) {
	enq := &recordingEnqueuer{}
	h := testHandler(enq)

	rec := httptest.NewRecorder()
	h.enqueueNotification(rec, postAs(1, "/notifications/add",
		`{"kind":"notify:invite","payload":{"recipient_id":9,"room_id":5}}`))
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, enq.tasks, 1)
	require.Equal(t, notify.TypeInvite, enq.tasks[0].Type())
}

func TestEnqueueNotificationRejectsUnknownKind(t *testing.T) {
	enq := &recordingEnqueuer{}
	h := testHandler(enq)

	rec := httptest.NewRecorder()
	h.enqueueNotification(rec, postAs(1, "/notifications/add",
		`{"kind":"notify:bogus","payload":{}}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, enq.tasks)
}

func TestEnqueueNotificationRequiresObjectPayload(t *testing.T) {
	h := testHandler(&recordingEnqueuer{})

	for _, body := range []string{`{"kind":"notify:invite"}`, `{"kind":"notify:invite","payload":"text"}`} {
		rec := httptest.NewRecorder()
		h.enqueueNotification(rec, postAs(1, "/notifications/add", body))
		require.Equal(t, http.StatusBadRequest, rec.Code, "body %s", body)
	}
}

func TestReportNearby(t *testing.T) {
	enq := &recordingEnqueuer{}
	h := testHandler(enq)

	// peer has not opted into discovery: no push goes out
	rec := httptest.NewRecorder()
	h.reportNearby(rec, postAs(1, "/nearby/report", `{"peer":9,"distance":50}`))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"notified":false`)
	require.Empty(t, enq.tasks)

	rec = httptest.NewRecorder()
	h.reportNearby(rec, postAs(1, "/nearby/report", `{"peer":9,"distance":50,"discoverable":true}`))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"notified":true`)
	require.Len(t, enq.tasks, 1)
	require.Equal(t, notify.TypeNearby, enq.tasks[0].Type())
}

func TestReportNearbyValidation(t *testing.T) {
	h := testHandler(&recordingEnqueuer{})

	for _, body := range []string{`{}`, `{"peer":9,"distance":-1}`} {
		rec := httptest.NewRecorder()
		h.reportNearby(rec, postAs(1, "/nearby/report", body))
		require.Equal(t, http.StatusBadRequest, rec.Code, "body %s", body)
	}
}

func TestSanctionUserValidation(t *testing.T) {
	h := testHandler(&recordingEnqueuer{})

	for _, body := range []string{`{}`, `{"user":5}`, `{"user":5,"until":"tomorrow"}`} {
		rec := httptest.NewRecorder()
		h.sanctionUser(rec, postAs(1, "/moderation/sanction", body))
		require.Equal(t, http.StatusBadRequest, rec.Code, "body %s", body)
	}
}
