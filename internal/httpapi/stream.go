package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Yufok1/Djinn-Council-Chat/internal/streaming"
)

const (
	wsReadDeadline  = 60 * time.Second
	wsPingInterval  = 20 * time.Second
	wsWriteDeadline = 10 * time.Second
	subscribeBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin control happens in middleware; a reverse proxy fronts this in
	// any multi-user deployment.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamParams are the filters shared by the WS and SSE endpoints.
type streamParams struct {
	sessionID  string
	typeFilter map[string]struct{}
	lastSeq    uint64
}

func parseStreamParams(r *http.Request) streamParams {
	p := streamParams{
		sessionID:  r.URL.Query().Get("session_id"),
		typeFilter: map[string]struct{}{},
	}
	if s := r.URL.Query().Get("types"); s != "" {
		for _, t := range strings.Split(s, ",") {
			if t = strings.TrimSpace(t); t != "" {
				p.typeFilter[t] = struct{}{}
			}
		}
	}
	if q := r.Header.Get("Last-Event-ID"); q != "" {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			p.lastSeq = n
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" && p.lastSeq == 0 {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			p.lastSeq = n
		}
	}
	return p
}

func (p streamParams) wants(evt streaming.Event) bool {
	if len(p.typeFilter) == 0 {
		return true
	}
	_, ok := p.typeFilter[evt.Type]
	return ok
}

// handleWS streams deliberation events over a WebSocket.
// GET /stream/ws?session_id=<id>&types=phase,agent&last_event_id=<seq>
// An empty session_id follows every session.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	params := parseStreamParams(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	mgr := s.orch.Events()
	ch := mgr.Subscribe(params.sessionID, subscribeBuffer)
	defer mgr.Unsubscribe(params.sessionID, ch)

	if params.lastSeq > 0 && params.sessionID != "" {
		for _, evt := range mgr.ReplaySince(params.sessionID, params.lastSeq) {
			if !params.wants(evt) {
				continue
			}
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		}
	}

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
		return nil
	})

	// Reader pump: client messages are discarded, the read loop only
	// notices disconnects and pongs.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if !params.wants(evt) {
				continue
			}
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteDeadline)); err != nil {
				return
			}
		}
	}
}

// handleSSE streams deliberation events as Server-Sent Events for clients
// that cannot speak WebSocket.
// GET /stream/sse?session_id=<id>
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	params := parseStreamParams(r)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	mgr := s.orch.Events()
	ch := mgr.Subscribe(params.sessionID, subscribeBuffer)
	defer mgr.Unsubscribe(params.sessionID, ch)

	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	if params.lastSeq > 0 && params.sessionID != "" {
		for _, evt := range mgr.ReplaySince(params.sessionID, params.lastSeq) {
			if params.wants(evt) {
				writeSSE(w, evt)
			}
		}
		flusher.Flush()
	}

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if !params.wants(evt) {
				continue
			}
			writeSSE(w, evt)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, evt streaming.Event) {
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, evt.Type, evt.Marshal())
}
