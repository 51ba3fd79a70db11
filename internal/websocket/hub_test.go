package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("ws-test-secret")

func signToken(t *testing.T, sub, role string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": sub, "role": role})
	s, err := tok.SignedString(testSecret)
	require.NoError(t, err)
	return s
}

func newServer(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	hub := NewHub()
	go hub.Run()

	r := gin.New()
	r.GET("/ws", func(c *gin.Context) { ServeWs(hub, c, testSecret) })
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		hub.Stop()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token
	return websocket.DefaultDialer.Dial(url, nil)
}

func TestServeWs_RejectsMissingAndBadTokens(t *testing.T) {
	_, srv := newServer(t)

	_, resp, err := dial(t, srv, "")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = dial(t, srv, "not-a-jwt")
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = dial(t, srv, signToken(t, "u1", "guest"))
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHub_SendToUserReachesOnlyThatUser(t *testing.T) {
	hub, srv := newServer(t)

	alice, _, err := dial(t, srv, signToken(t, "alice", "user"))
	require.NoError(t, err)
	defer alice.Close()
	bob, _, err := dial(t, srv, signToken(t, "bob", "manager"))
	require.NoError(t, err)
	defer bob.Close()

	require.Eventually(t, func() bool {
		return hub.Connected("alice") == 1 && hub.Connected("bob") == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.True(t, hub.SendToUser("alice", []byte(`{"title":"hi"}`)))

	_ = alice.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := alice.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"hi"}`, string(msg))

	_ = bob.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err = bob.ReadMessage()
	assert.Error(t, err, "bob must not receive alice's message")
}

func TestHub_StopRejectsNewMessages(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	hub.Stop()
	hub.Stop()
	assert.False(t, hub.SendToUser("x", []byte("late")))
}
