package api

import (
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
)

const handshakeWait = 10 * time.Second

// wsHandshake is the first frame a subscriber sends after the upgrade.
type wsHandshake struct {
	Token string `json:"token"`
	Topic string `json:"topic"`
}

// subscribeWs relays the event stream between the browser and the
// upstream stream service. The client authenticates with a minted
// stream token in its handshake frame; the upstream connection is
// authorized with the server API key, which never reaches the browser.
func (s *Server) subscribeWs(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(handshakeWait))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		s.log.Println("error reading handshake frame:", err)
		return
	}

	var hs wsHandshake
	if err := json.Unmarshal(frame, &hs); err != nil {
		s.closeWs(conn, websocket.ClosePolicyViolation, "invalid handshake")
		return
	}

	identity, err := s.verifyToken(hs.Token, grantStream)
	if err != nil || identity != hs.Topic {
		s.log.Printf("rejecting subscription to %q: %v", hs.Topic, err)
		s.closeWs(conn, websocket.ClosePolicyViolation, "unauthorized")
		return
	}
	conn.SetReadDeadline(time.Time{})

	header := http.Header{}
	if s.upstreamKey != "" {
		header.Set("Authorization", "Bearer "+s.upstreamKey)
	}
	upstream, _, err := websocket.DefaultDialer.Dial(s.upstreamWs, header)
	if err != nil {
		s.log.Println("error connecting to upstream stream:", err)
		s.closeWs(conn, websocket.CloseTryAgainLater, "upstream unavailable")
		return
	}
	defer upstream.Close()

	sub, err := json.Marshal(map[string]string{"topic": hs.Topic})
	if err != nil {
		return
	}
	if err := upstream.WriteMessage(websocket.TextMessage, sub); err != nil {
		s.log.Println("error subscribing upstream:", err)
		return
	}

	errc := make(chan error, 2)
	go relay(conn, upstream, errc)
	go relay(upstream, conn, errc)

	// The deferred closes unblock the surviving relay goroutine.
	if err := <-errc; err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.log.Println("stream relay ended:", err)
	}
}

func relay(dst, src *websocket.Conn, errc chan<- error) {
	for {
		messageType, msg, err := src.ReadMessage()
		if err != nil {
			errc <- err
			return
		}
		if err := dst.WriteMessage(messageType, msg); err != nil {
			errc <- err
			return
		}
	}
}

func (s *Server) closeWs(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	if err := conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline); err != nil {
		s.log.Println("error writing close frame:", err)
	}
}
