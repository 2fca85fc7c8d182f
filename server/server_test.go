package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/TFMV/hearthcall/call"
	"github.com/TFMV/hearthcall/common"
	"github.com/TFMV/hearthcall/retry"
	"github.com/TFMV/hearthcall/room"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSession struct {
	info call.SessionInfo
	ok   bool
}

func (f fakeSession) Session() (call.SessionInfo, bool) { return f.info, f.ok }

type fakeRetry struct{ state retry.State }

func (f fakeRetry) RetryState() retry.State { return f.state }

func newTestServer(t *testing.T, session SessionSource, rs RetrySource) *Server {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	return New(logger, nil, session, rs)
}

func do(t *testing.T, s *Server, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestStatus(t *testing.T) {
	t.Run("Idle", func(t *testing.T) {
		s := newTestServer(t, nil, nil)
		resp, body := do(t, s, http.MethodGet, "/status", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.JSONEq(t, `{"status":"running"}`, string(body))
	})

	t.Run("WithSession", func(t *testing.T) {
		info := call.SessionInfo{ID: "abc", RoomID: "42", LocalID: "1", Role: "initiator", State: "connected"}
		s := newTestServer(t, fakeSession{info: info, ok: true}, fakeRetry{state: retry.State{Attempt: 2, NextWait: 4 * time.Second}})

		resp, body := do(t, s, http.MethodGet, "/status", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var got struct {
			Session struct {
				ID     string    `json:"id"`
				RoomID common.ID `json:"room_id"`
				State  string    `json:"state"`
			} `json:"session"`
			Signaling retry.State `json:"signaling"`
		}
		require.NoError(t, json.Unmarshal(body, &got))
		assert.Equal(t, "abc", got.Session.ID)
		assert.Equal(t, common.ID("42"), got.Session.RoomID)
		assert.Equal(t, "connected", got.Session.State)
		assert.Equal(t, 2, got.Signaling.Attempt)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, nil, nil)
	resp, body := do(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "hearthcall_active_sessions")
}

func TestRoomMembership(t *testing.T) {
	s := newTestServer(t, nil, nil)

	var changes [][]common.Participant
	s.Rooms().OnChange(func(roomID common.ID, participants []common.Participant) {
		assert.Equal(t, common.ID("7"), roomID)
		changes = append(changes, participants)
	})

	resp, _ := do(t, s, http.MethodGet, "/api/rooms/7", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, s, http.MethodPost, "/api/rooms/7/participants", `{"user":{"id":1,"username":"ada"}}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = do(t, s, http.MethodPost, "/api/rooms/7/participants", `{"user":{"id":2,"username":"bob"}}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = do(t, s, http.MethodPost, "/api/rooms/7/participants", `{"user":{"id":2,"username":"bob"}}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := do(t, s, http.MethodGet, "/api/rooms/7", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got room.RoomResponse
	require.NoError(t, json.Unmarshal(body, &got))
	require.Len(t, got.Participants, 2)
	assert.Equal(t, common.ID("1"), got.Participants[0].UserID)
	assert.True(t, got.Participants[0].IsOwner)
	assert.False(t, got.Participants[1].IsOwner)
	assert.False(t, got.Participants[1].JoinedAt.IsZero())
	assert.Equal(t, common.RoleInitiator, room.DetermineRole("7", "1", got.Participants))
	assert.Len(t, changes, 2, "a repeated join is not a change")

	resp, _ = do(t, s, http.MethodDelete, "/api/rooms/7/participants/2", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = do(t, s, http.MethodDelete, "/api/rooms/7/participants/2", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Len(t, changes, 3)
	assert.Len(t, changes[2], 1)
}

func TestJoinRejectsBadBody(t *testing.T) {
	s := newTestServer(t, nil, nil)

	resp, _ := do(t, s, http.MethodPost, "/api/rooms/7/participants", `{"user":{}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, s, http.MethodPost, "/api/rooms/7/participants", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, s.Rooms().IDs())
}

func TestMembershipClientAgainstRoomAPI(t *testing.T) {
	s := newTestServer(t, nil, nil)
	s.Rooms().Join("9", common.Participant{UserID: "1", Username: "ada"})
	s.Rooms().Join("9", common.Participant{UserID: "2", Username: "bob"})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = s.App().Listener(ln) }()
	defer func() { _ = s.Shutdown() }()

	client := room.NewHTTPMembershipClient("http://"+ln.Addr().String()+"/api", "", time.Second)
	participants, err := client.Participants(context.Background(), "9")
	require.NoError(t, err)
	require.Len(t, participants, 2)
	assert.Equal(t, "bob", participants[1].Username)

	participants, err = client.Join(context.Background(), "9", common.Participant{UserID: "3", Username: "cy"})
	require.NoError(t, err)
	require.Len(t, participants, 3)
	assert.Equal(t, common.ID("3"), participants[2].UserID)
	assert.False(t, participants[2].IsOwner)
}
