package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/deskwire/internal/pipeline"
	"github.com/nextlevelbuilder/deskwire/internal/security"
	"github.com/nextlevelbuilder/deskwire/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameBytes  = 64 * 1024
	sendBuffer     = 64
	handleDeadline = 90 * time.Second
)

// Client is one WebSocket connection. A connection may drive several
// sessions; each must be opened with an init frame first.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	// limiter enforces the per-connection frame budget.
	limiter *rate.Limiter

	send chan *protocol.Frame

	mu       sync.Mutex
	sessions map[string]bool
	closed   bool
}

func newClient(conn *websocket.Conn, server *Server, framesPerMinute, burst int) *Client {
	if framesPerMinute <= 0 {
		framesPerMinute = 60
	}
	if burst <= 0 {
		burst = 10
	}
	return &Client{
		id:       uuid.NewString(),
		conn:     conn,
		server:   server,
		limiter:  rate.NewLimiter(rate.Limit(float64(framesPerMinute)/60.0), burst),
		send:     make(chan *protocol.Frame, sendBuffer),
		sessions: make(map[string]bool),
	}
}

// Run drives the read and write pumps until the connection drops.
func (c *Client) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump(ctx)
	c.readPump(ctx)
}

// Close shuts the connection; safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	c.conn.Close()
}

// Send enqueues a frame, dropping it when the client cannot keep up.
func (c *Client) Send(frame *protocol.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- frame:
	default:
		slog.Warn("gateway.client_send_dropped", "client", c.id, "type", frame.Type)
	}
}

func (c *Client) hasSession(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[id]
}

func (c *Client) addSession(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[id] = true
}

func (c *Client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxFrameBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("gateway.read_error", "client", c.id, "error", err)
			}
			return
		}

		var frame protocol.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.sendError("", protocol.Validation(
				protocol.CodeInvalidRequestFormat, "frame is not valid JSON"))
			continue
		}
		c.dispatch(ctx, &frame)
	}
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
				slog.Debug("gateway.write_error", "client", c.id, "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch routes one client frame. Ping bypasses the frame budget; every
// other type consumes one token.
func (c *Client) dispatch(ctx context.Context, frame *protocol.Frame) {
	if frame.Type == protocol.FramePing {
		c.Send(c.reply(frame, protocol.FramePong, nil))
		return
	}

	if !c.limiter.Allow() {
		reservation := c.limiter.Reserve()
		delay := reservation.Delay()
		reservation.Cancel()
		slog.Info("security.rate_limited",
			"client", c.id, "kind", string(security.LimitWSMsg),
			"retry_after_ms", delay.Milliseconds())
		c.sendError(frame.CorrelationID, protocol.RateLimited(delay))
		return
	}

	switch frame.Type {
	case protocol.FrameInit:
		c.handleInit(ctx, frame)
	case protocol.FrameChatMessage:
		c.handleChatMessage(ctx, frame)
	case protocol.FrameTyping:
		// Client typing state is accepted and currently not rebroadcast.
	case protocol.FrameVoiceInput:
		c.sendError(frame.CorrelationID, protocol.Validation(
			protocol.CodeInvalidFieldValue,
			"voice input is not supported by this gateway"))
	default:
		c.sendError(frame.CorrelationID, protocol.Validation(
			protocol.CodeInvalidRequestFormat, "unknown frame type "+frame.Type))
	}
}

func (c *Client) handleInit(ctx context.Context, frame *protocol.Frame) {
	var payload protocol.InitPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil || payload.Session == "" {
		c.sendError(frame.CorrelationID, protocol.Validation(
			protocol.CodeMissingRequiredField, "init requires a session id"))
		return
	}

	if _, _, perr := c.server.engine.Init(ctx, payload.Session, "", nil); perr != nil {
		c.sendError(frame.CorrelationID, perr)
		return
	}
	c.addSession(payload.Session)
	c.Send(c.reply(frame, protocol.FrameSystemNotification, protocol.SystemNotificationPayload{
		Level:   "info",
		Message: "session ready",
	}))
}

func (c *Client) handleChatMessage(ctx context.Context, frame *protocol.Frame) {
	var payload protocol.ChatMessagePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil || payload.Session == "" {
		c.sendError(frame.CorrelationID, protocol.Validation(
			protocol.CodeMissingRequiredField, "chat_message requires a session id"))
		return
	}
	if !c.hasSession(payload.Session) {
		c.sendError(frame.CorrelationID, protocol.Validation(
			protocol.CodeInvalidSession, "session not initialized on this connection"))
		return
	}

	// The pipeline is slow relative to the read loop; handle each message
	// on its own goroutine so pings and further frames keep flowing.
	go func() {
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), handleDeadline)
		defer cancel()

		res, _, perr := c.server.pipe.Handle(hctx, pipeline.Request{
			Session:  payload.Session,
			Content:  payload.Content,
			Metadata: payload.Metadata,
			Kind:     security.LimitRequests,
		})
		if perr != nil {
			c.sendError(frame.CorrelationID, perr)
			return
		}

		meta := map[string]string{"provider": res.Provider}
		if res.FallbackUsed {
			meta["fallback_used"] = "true"
		}
		c.Send(c.reply(frame, protocol.FrameAIResponse, protocol.AIResponsePayload{
			Session:   res.Session,
			Content:   res.Content,
			MessageID: res.MessageID,
			ToolCalls: res.ToolCalls,
			Metadata:  meta,
		}))
	}()
}

// reply builds a frame echoing the request's correlation id.
func (c *Client) reply(req *protocol.Frame, frameType string, payload any) *protocol.Frame {
	frame := protocol.NewFrame(frameType, payload)
	frame.CorrelationID = req.CorrelationID
	return frame
}

func (c *Client) sendError(correlationID string, perr *protocol.Error) {
	frame := protocol.NewFrame(protocol.FrameError, perr.WSPayload())
	frame.CorrelationID = correlationID
	c.Send(frame)
}
