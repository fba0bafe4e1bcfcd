package signaling

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roomkit/groupcall/internal/metrics"
	"github.com/roomkit/groupcall/internal/protocol"
	"github.com/roomkit/groupcall/internal/ratelimit"
	"github.com/roomkit/groupcall/internal/room"
)

// connection is one signaling WebSocket. The read loop is the only goroutine
// touching userName; Send may be called from any goroutine and is serialized
// by writeMu. Session state itself lives in the room registry's user lookup,
// keyed by connection id; userName only marks whether a join succeeded.
type connection struct {
	id      string
	server  *Server
	ws      *websocket.Conn
	log     *slog.Logger
	limiter *ratelimit.TokenBucket

	writeMu sync.Mutex

	userName string
}

func newConnection(s *Server, ws *websocket.Conn) *connection {
	id := newConnectionID()
	return &connection{
		id:      id,
		server:  s,
		ws:      ws,
		log:     s.log.With("conn_id", id),
		limiter: ratelimit.NewTokenBucket(nil, int64(s.messagesPerSecond), int64(s.messagesPerSecond)),
	}
}

// ConnectionID implements room.Messenger.
func (c *connection) ConnectionID() string { return c.id }

// Send implements room.Messenger: it marshals msg and writes it as a single
// text frame under a write deadline.
func (c *connection) Send(msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode signaling message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

// run reads and dispatches messages until the connection errors or violates a
// limit, then leaves whatever room the client had joined. An abrupt disconnect
// and an explicit leaveRoom converge on the same room teardown.
func (c *connection) run(ctx context.Context) {
	defer func() {
		// The request context may already be gone; teardown must still run.
		c.leave(context.Background())
	}()

	stopPing := c.startPing()
	defer stopPing()

	_ = c.ws.SetReadDeadline(time.Now().Add(c.server.idleTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.server.idleTimeout))
	})

	for {
		msgType, msgReader, err := c.ws.NextReader()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			writeClose(c.ws, websocket.CloseUnsupportedData, "expected text message")
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.server.idleTimeout))

		if !c.limiter.Allow(1) {
			c.server.metrics.Inc(metrics.EventSignalingRateLimited)
			c.log.Warn("closing connection: signaling rate limit exceeded")
			writeClose(c.ws, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		raw, err := readLimited(msgReader, c.server.maxMessageBytes)
		if err != nil {
			if errors.Is(err, errMessageTooLarge) {
				writeClose(c.ws, websocket.CloseMessageTooBig, "message too large")
				return
			}
			return
		}

		msg, err := protocol.Parse(raw)
		if err != nil {
			c.server.metrics.Inc(metrics.EventProtocolError)
			c.log.Debug("rejecting malformed message", "err", err)
			c.sendError(fmt.Sprintf("invalid message: %v", err))
			continue
		}

		c.dispatch(ctx, msg)
	}
}

func (c *connection) dispatch(ctx context.Context, msg protocol.Message) {
	switch msg.ID {
	case protocol.KindJoinRoom:
		c.handleJoin(ctx, msg)
	case protocol.KindReceiveVideoFrom:
		c.handleReceiveVideo(ctx, msg)
	case protocol.KindPresentScreen:
		c.handlePresentScreen(ctx, msg)
	case protocol.KindReceiveScreen:
		c.handleReceiveScreen(ctx, msg)
	case protocol.KindStopScreenShare:
		c.handleStopScreenShare(ctx)
	case protocol.KindOnIceCandidate:
		c.handleCandidate(ctx, msg)
	case protocol.KindLeaveRoom:
		c.leave(ctx)
	}
}

func (c *connection) handleJoin(ctx context.Context, msg protocol.Message) {
	if c.userName != "" {
		c.sendError("already in a room")
		return
	}

	_, err := c.server.rooms.Join(ctx, msg.Room, msg.Name, c)
	if err != nil {
		if errors.Is(err, room.ErrDuplicateParticipant) {
			c.log.Info("join rejected: name taken", "room", msg.Room, "participant", msg.Name)
			c.sendError(fmt.Sprintf("participant %s already exists in room %s", msg.Name, msg.Room))
			return
		}
		c.log.Error("join failed", "room", msg.Room, "participant", msg.Name, "err", err)
		c.sendError("could not join room")
		return
	}

	c.userName = msg.Name
	c.log = c.server.log.With("conn_id", c.id, "room", msg.Room, "participant", msg.Name)
}

func (c *connection) handleReceiveVideo(ctx context.Context, msg protocol.Message) {
	r, sess, ok := c.session()
	if !ok {
		c.dropNotJoined("receiveVideoFrom")
		return
	}

	sender, ok := c.server.rooms.Users().ByName(r.Name(), msg.Sender)
	if !ok {
		// The sender left between the client's request and now.
		c.server.metrics.Inc(metrics.EventMessageDropped)
		c.log.Debug("dropping receiveVideoFrom for absent sender", "sender", msg.Sender)
		return
	}

	if err := sess.ReceiveVideoFrom(ctx, sender, msg.SDPOffer); err != nil {
		c.log.Error("video negotiation failed", "sender", msg.Sender, "err", err)
		c.sendError(fmt.Sprintf("could not negotiate video from %s", msg.Sender))
	}
}

func (c *connection) handlePresentScreen(ctx context.Context, msg protocol.Message) {
	r, sess, ok := c.session()
	if !ok {
		c.dropNotJoined("presentScreen")
		return
	}

	share, err := r.StartScreenShare(ctx, sess.Name())
	if err != nil {
		c.log.Error("screen share start failed", "err", err)
		c.sendError("could not start screen share")
		return
	}

	if err := share.Negotiate(ctx, msg.SDPOffer); err != nil {
		c.log.Error("screen negotiation failed", "err", err)
		r.StopScreenShare(ctx, sess.Name())
		c.sendError("could not negotiate screen share")
	}
}

func (c *connection) handleReceiveScreen(ctx context.Context, msg protocol.Message) {
	r, sess, ok := c.session()
	if !ok {
		c.dropNotJoined("receiveScreenFrom")
		return
	}

	share, ok := r.GetScreenShare(msg.Sender)
	if !ok {
		// Presenter already stopped; the client will see screenShareEnded.
		c.server.metrics.Inc(metrics.EventMessageDropped)
		c.log.Debug("dropping receiveScreenFrom for absent share", "presenter", msg.Sender)
		return
	}

	if err := share.ReceiveScreenFrom(ctx, sess, msg.SDPOffer); err != nil {
		c.log.Error("screen view negotiation failed", "presenter", msg.Sender, "err", err)
		c.sendError(fmt.Sprintf("could not negotiate screen from %s", msg.Sender))
	}
}

func (c *connection) handleStopScreenShare(ctx context.Context) {
	r, sess, ok := c.session()
	if !ok {
		return
	}
	r.StopScreenShare(ctx, sess.Name())
}

// handleCandidate routes a trickled candidate by media class: video candidates
// go to the participant session keyed by name, screen candidates to the
// presenter's share (the presenter's own publisher endpoint when name is the
// sender itself, otherwise the viewer endpoint on the named presenter's
// share). Candidates for absent endpoints are dropped silently.
func (c *connection) handleCandidate(ctx context.Context, msg protocol.Message) {
	r, sess, ok := c.session()
	if !ok {
		return
	}

	if msg.MediaClass() == protocol.MediaVideo {
		sess.AddCandidate(ctx, *msg.Candidate, msg.Name)
		return
	}

	share, ok := r.GetScreenShare(msg.Name)
	if !ok {
		c.server.metrics.Inc(metrics.EventMessageDropped)
		c.log.Debug("dropping screen candidate for absent share", "presenter", msg.Name)
		return
	}
	if msg.Name == sess.Name() {
		share.AddOwnerCandidate(ctx, *msg.Candidate)
		return
	}
	share.AddViewerCandidate(ctx, sess.Name(), *msg.Candidate)
}

func (c *connection) leave(ctx context.Context) {
	if c.userName == "" {
		return
	}
	// Resolve through the connection lookup, not the remembered names: if this
	// connection's session was already evicted by a replace-policy rejoin, a
	// leave keyed by name would tear down the replacement session instead.
	if sess, ok := c.server.rooms.Users().ByConnection(c.id); ok {
		if r, roomOK := c.server.rooms.Get(sess.RoomName()); roomOK {
			r.Leave(ctx, sess.Name())
		}
	}
	c.userName = ""
	c.log = c.server.log.With("conn_id", c.id)
}

// session resolves this connection to its participant session through the
// global user lookup, then to the session's room. A connection whose session
// was evicted (replace-policy rejoin from elsewhere) resolves to nothing.
func (c *connection) session() (*room.Room, *room.ParticipantSession, bool) {
	sess, ok := c.server.rooms.Users().ByConnection(c.id)
	if !ok {
		return nil, nil, false
	}
	r, ok := c.server.rooms.Get(sess.RoomName())
	if !ok {
		return nil, nil, false
	}
	return r, sess, true
}

// dropNotJoined logs a message that requires room membership arriving on a
// connection that has none. Not fatal; the client may still join.
func (c *connection) dropNotJoined(kind string) {
	c.server.metrics.Inc(metrics.EventMessageDropped)
	c.log.Debug("dropping message outside a room", "kind", kind)
}

func (c *connection) sendError(text string) {
	if err := c.Send(protocol.Error(text)); err != nil {
		c.log.Debug("error message send failed", "err", err)
	}
}

// startPing pings the connection on an interval so half-open TCP connections
// hit the read deadline instead of lingering.
func (c *connection) startPing() func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(c.server.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				c.writeMu.Lock()
				_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
				err := c.ws.WriteMessage(websocket.PingMessage, nil)
				c.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

var errMessageTooLarge = errors.New("message too large")

func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return nil, errMessageTooLarge
	}
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, errMessageTooLarge
	}
	return b, nil
}

func newConnectionID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "conn-unknown"
	}
	return hex.EncodeToString(b[:])
}
