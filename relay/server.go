package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/chainguild/cgp/event"
)

// sendQueueSize bounds each socket's outbound queue. A subscriber that stops
// reading fills its queue and starts losing frames; it never blocks ingest.
const sendQueueSize = 256

// writeTimeout caps a single websocket write in the writer goroutine.
const writeTimeout = 10 * time.Second

// Server is the websocket front of the relay. Each connection runs a read
// loop and a writer goroutine; frames are handed to the writer through a
// bounded queue and delivery is best-effort.
type Server struct {
	engine *Engine
	log    zerolog.Logger

	upgrader websocket.Upgrader
	httpSrv  *http.Server

	mu      sync.RWMutex
	sockets map[*socket]struct{}
}

type socket struct {
	conn    *websocket.Conn
	helloed bool

	mu   sync.Mutex
	subs map[string]*subscription

	sendq chan []byte
	quit  chan struct{}
}

// subscription follows one guild, optionally narrowed to a channel set.
type subscription struct {
	guildID  string
	channels map[string]bool
}

// matches reports whether the subscription wants this event. A channel
// filter only narrows events that belong to a channel; structural events
// always pass.
func (s *subscription) matches(guildID string, ev *event.Event) bool {
	if s.guildID != guildID {
		return false
	}
	if len(s.channels) == 0 {
		return true
	}
	if ch := eventChannel(ev.Body); ch != "" {
		return s.channels[ch]
	}
	return true
}

func eventChannel(body event.Body) string {
	switch b := body.(type) {
	case *event.Message:
		return b.ChannelID
	case *event.EditMessage:
		return b.ChannelID
	case *event.DeleteMessage:
		return b.ChannelID
	default:
		return ""
	}
}

// NewServer wires a server around an engine and installs itself as the
// engine's broadcast sink.
func NewServer(engine *Engine, log zerolog.Logger) *Server {
	s := &Server{
		engine: engine,
		log:    log.With().Str("component", "server").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sockets: make(map[*socket]struct{}),
	}
	engine.SetBroadcast(s.broadcastEvent)
	return s
}

// Handler returns the websocket endpoint, exported so tests can mount it on
// an httptest server.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.serveWS)
}

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{Addr: addr, Handler: s.Handler()}
	s.log.Info().Str("addr", addr).Msg("listening")
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the listener and closes every open connection.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for sk := range s.sockets {
		sk.conn.Close()
	}
	s.sockets = make(map[*socket]struct{})
	s.mu.Unlock()

	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	sk := &socket{
		conn:  conn,
		subs:  make(map[string]*subscription),
		sendq: make(chan []byte, sendQueueSize),
		quit:  make(chan struct{}),
	}
	s.mu.Lock()
	s.sockets[sk] = struct{}{}
	s.mu.Unlock()

	go sk.writeLoop()

	s.log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("connection open")
	s.readLoop(sk)

	s.mu.Lock()
	delete(s.sockets, sk)
	s.mu.Unlock()
	close(sk.quit)
	conn.Close()
	s.log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("connection closed")
}

func (s *Server) readLoop(sk *socket) {
	for {
		_, data, err := sk.conn.ReadMessage()
		if err != nil {
			return
		}

		kind, payload, derr := DecodeFrame(data)
		if derr != nil {
			sk.sendError(derr)
			continue
		}

		if !sk.helloed {
			if kind != FrameHello {
				sk.sendError(NewWireError(CodeInvalidFrame, "expected HELLO, got %s", kind))
				return
			}
			if werr := s.handleHello(sk, payload); werr != nil {
				sk.sendError(werr)
				return
			}
			continue
		}

		switch kind {
		case FrameSub:
			s.handleSub(sk, payload)
		case FrameUnsub:
			s.handleUnsub(sk, payload)
		case FramePublish:
			s.handlePublish(sk, payload)
		case FrameHello:
			sk.sendError(NewWireError(CodeInvalidFrame, "duplicate HELLO"))
		default:
			sk.sendError(NewWireError(CodeInvalidFrame, "unknown frame kind %s", kind))
		}
	}
}

func (s *Server) handleHello(sk *socket, payload json.RawMessage) *WireError {
	var hello HelloPayload
	if err := json.Unmarshal(payload, &hello); err != nil {
		return NewWireError(CodeInvalidFrame, "bad HELLO payload: %v", err)
	}
	if hello.Protocol != ProtocolVersion {
		return NewWireError(CodeUnsupportedProtocol, "unsupported protocol %q, relay speaks %s", hello.Protocol, ProtocolVersion)
	}
	sk.helloed = true
	return sk.send(FrameHelloOK, HelloOKPayload{
		Protocol:     ProtocolVersion,
		RelayID:      s.engine.RelayID(),
		RelayName:    "cgp-relay",
		RelayVersion: ServerVersion,
	})
}

func (s *Server) handleSub(sk *socket, payload json.RawMessage) {
	var sub SubPayload
	if err := json.Unmarshal(payload, &sub); err != nil || sub.GuildID == "" {
		sk.sendError(NewWireError(CodeInvalidFrame, "bad SUB payload"))
		return
	}
	if sub.SubID == "" {
		sub.SubID = sub.GuildID
	}

	log, err := s.engine.Store().GetLog(sub.GuildID)
	if err != nil {
		sk.sendError(NewWireError(CodeInternalError, "log read failed"))
		return
	}

	snap := SnapshotPayload{SubID: sub.SubID, GuildID: sub.GuildID, Events: []*event.Event{}, EndSeq: -1}
	for _, ev := range log {
		if ev.Seq < sub.FromSeq {
			continue
		}
		if sub.Limit > 0 && int64(len(snap.Events)) >= sub.Limit {
			break
		}
		snap.Events = append(snap.Events, ev)
	}
	if n := len(log); n > 0 {
		snap.EndSeq = log[n-1].Seq
	}

	entry := &subscription{guildID: sub.GuildID}
	if len(sub.Channels) > 0 {
		entry.channels = make(map[string]bool, len(sub.Channels))
		for _, ch := range sub.Channels {
			entry.channels[ch] = true
		}
	}

	// Register and queue the snapshot in one critical section so no live
	// EVENT can land in the queue ahead of the snapshot.
	sk.mu.Lock()
	sk.subs[sub.SubID] = entry
	sk.send(FrameSnapshot, snap)
	sk.mu.Unlock()
}

func (s *Server) handleUnsub(sk *socket, payload json.RawMessage) {
	var unsub UnsubPayload
	if err := json.Unmarshal(payload, &unsub); err != nil || unsub.SubID == "" {
		sk.sendError(NewWireError(CodeInvalidFrame, "bad UNSUB payload"))
		return
	}
	sk.mu.Lock()
	delete(sk.subs, unsub.SubID)
	sk.mu.Unlock()
}

func (s *Server) handlePublish(sk *socket, payload json.RawMessage) {
	var pub PublishPayload
	if err := json.Unmarshal(payload, &pub); err != nil {
		sk.sendError(NewWireError(CodeInvalidFrame, "bad PUBLISH payload: %v", err))
		return
	}
	body, err := event.UnmarshalBody(pub.Body)
	if err != nil {
		sk.sendError(NewWireError(CodeInvalidFrame, "bad PUBLISH body: %v", err))
		return
	}

	_, werr := s.engine.Publish(&PublishRequest{
		Body:      body,
		Author:    pub.Author,
		CreatedAt: pub.CreatedAt,
		Signature: pub.Signature,
	})
	if werr != nil {
		sk.sendError(werr)
	}
}

// broadcastEvent queues one sequenced event on every subscribed socket. The
// caller holds the guild lock, so nothing here may block: a full queue drops
// the frame and the client resynchronizes via SUB.
func (s *Server) broadcastEvent(guildID string, ev *event.Event) {
	raw, err := EncodeFrame(FrameEvent, ev)
	if err != nil {
		s.log.Error().Err(err).Str("guild", guildID).Msg("encoding EVENT frame failed")
		return
	}

	s.mu.RLock()
	targets := make([]*socket, 0, len(s.sockets))
	for sk := range s.sockets {
		targets = append(targets, sk)
	}
	s.mu.RUnlock()

	for _, sk := range targets {
		sk.mu.Lock()
		wanted := false
		for _, sub := range sk.subs {
			if sub.matches(guildID, ev) {
				wanted = true
				break
			}
		}
		if wanted && !sk.enqueue(raw) {
			s.log.Warn().Str("guild", guildID).Int64("seq", ev.Seq).Msg("send queue full, dropping frame")
		}
		sk.mu.Unlock()
	}
}

// writeLoop is the socket's only writer; it drains the send queue onto the
// connection. A failed or timed-out write closes the connection.
func (sk *socket) writeLoop() {
	for {
		select {
		case raw := <-sk.sendq:
			sk.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := sk.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				sk.conn.Close()
				return
			}
		case <-sk.quit:
			return
		}
	}
}

// enqueue hands a pre-encoded frame to the writer without blocking.
func (sk *socket) enqueue(raw []byte) bool {
	select {
	case sk.sendq <- raw:
		return true
	default:
		return false
	}
}

func (sk *socket) send(kind string, payload interface{}) *WireError {
	raw, err := EncodeFrame(kind, payload)
	if err != nil {
		return NewWireError(CodeInternalError, "encoding %s frame: %v", kind, err)
	}
	if !sk.enqueue(raw) {
		return NewWireError(CodeInternalError, "send queue full")
	}
	return nil
}

func (sk *socket) sendError(werr *WireError) {
	sk.send(FrameError, ErrorPayload{Code: werr.Code, Reason: werr.Reason})
}
