package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/huddlechat/huddle/internal/backend"
	"github.com/huddlechat/huddle/internal/config"
	"github.com/huddlechat/huddle/internal/localstore"
	"github.com/huddlechat/huddle/internal/stats"
	"github.com/huddlechat/huddle/internal/testutil"
)

// newTestUpstream fakes the upstream stream service: it records the
// subscription request and then delivers the given frames.
func newTestUpstream(t *testing.T, frames [][]byte, gotAuth *string, gotSub *map[string]string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*gotAuth = r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upstream upgrade: %s", err)
			return
		}
		defer conn.Close()

		_, sub, err := conn.ReadMessage()
		if err != nil {
			return
		}
		json.Unmarshal(sub, gotSub)

		for _, frame := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		}
		// Hold the connection open until the client goes away.
		conn.ReadMessage()
	}))
}

func TestSubscribeWs_relaysFrames(t *testing.T) {
	var gotAuth string
	gotSub := map[string]string{}
	upstream := newTestUpstream(t, [][]byte{[]byte(`{"message": "hello"}`)}, &gotAuth, &gotSub)
	defer upstream.Close()

	mockStats := &stats.MockStatsUpdater{}
	mockStats.On("RegisterMetric", mock.Anything).Return()
	mockStats.On("Incr", mock.Anything).Return().Maybe()

	cfg := &config.Config{
		ServerAddr:    "localhost:0",
		BackendURL:    upstream.URL,
		BackendAPIKey: "upstream-key",
		SigningKey:    []byte("test-signing-key"),
	}
	s := NewServer(testutil.TestLogger(t), &backend.MockBackend{}, &localstore.MockRepository{}, mockStats, cfg)

	proxy := httptest.NewServer(s.Handler())
	defer proxy.Close()

	wsURL := "ws" + strings.TrimPrefix(proxy.URL, "http") + "/api/streams/subscribe"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dialing proxy: %s", err)
	}
	defer conn.Close()

	token, err := s.mintToken("u-1", grantStream)
	assert.NoError(t, err)
	assert.NoError(t, conn.WriteJSON(wsHandshake{Token: token, Topic: "u-1"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	assert.NoError(t, err)
	assert.JSONEq(t, `{"message": "hello"}`, string(frame))

	assert.Equal(t, "Bearer upstream-key", gotAuth)
	assert.Equal(t, "u-1", gotSub["topic"])
}

func TestSubscribeWs_rejectsBadToken(t *testing.T) {
	var gotAuth string
	gotSub := map[string]string{}
	upstream := newTestUpstream(t, nil, &gotAuth, &gotSub)
	defer upstream.Close()

	mockStats := &stats.MockStatsUpdater{}
	mockStats.On("RegisterMetric", mock.Anything).Return()
	mockStats.On("Incr", mock.Anything).Return().Maybe()

	cfg := &config.Config{
		ServerAddr: "localhost:0",
		BackendURL: upstream.URL,
		SigningKey: []byte("test-signing-key"),
	}
	s := NewServer(testutil.TestLogger(t), &backend.MockBackend{}, &localstore.MockRepository{}, mockStats, cfg)

	proxy := httptest.NewServer(s.Handler())
	defer proxy.Close()

	wsURL := "ws" + strings.TrimPrefix(proxy.URL, "http") + "/api/streams/subscribe"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dialing proxy: %s", err)
	}
	defer conn.Close()

	// A video grant must not open a stream subscription.
	token, err := s.mintToken("u-1", grantVideo)
	assert.NoError(t, err)
	assert.NoError(t, conn.WriteJSON(wsHandshake{Token: token, Topic: "u-1"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "expected policy violation close, got %v", err)

	assert.Empty(t, gotAuth, "upstream should never be dialed")
}
