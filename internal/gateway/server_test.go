package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/deskwire/internal/config"
	"github.com/nextlevelbuilder/deskwire/internal/llm"
	"github.com/nextlevelbuilder/deskwire/internal/memory"
	"github.com/nextlevelbuilder/deskwire/internal/pipeline"
	"github.com/nextlevelbuilder/deskwire/internal/security"
	"github.com/nextlevelbuilder/deskwire/internal/store/inmem"
	"github.com/nextlevelbuilder/deskwire/internal/tools"
	"github.com/nextlevelbuilder/deskwire/pkg/protocol"
)

type wsProvider struct {
	responses []*llm.ChatResponse
	calls     int
}

func (p *wsProvider) Chat(_ context.Context, _ llm.ChatRequest) (*llm.ChatResponse, error) {
	if p.calls >= len(p.responses) {
		return nil, errors.New("script exhausted")
	}
	resp := p.responses[p.calls]
	p.calls++
	return resp, nil
}

func (p *wsProvider) ChatStream(ctx context.Context, req llm.ChatRequest, _ func(llm.StreamChunk)) (*llm.ChatResponse, error) {
	return p.Chat(ctx, req)
}

func (p *wsProvider) DefaultModel() string { return "ws-1" }
func (p *wsProvider) Name() string         { return "ws" }

type passthroughSummarizer struct{}

func (passthroughSummarizer) Summarize(_ context.Context, previous string, _ []memory.Message) (string, error) {
	return previous, nil
}

// dialTestServer spins up a gateway on an ephemeral port and connects one
// WebSocket client to it.
func dialTestServer(t *testing.T, cfg *config.Config, provider llm.Provider) *websocket.Conn {
	t.Helper()

	kv := inmem.NewKV()
	blob := inmem.NewBlob()
	gate := security.NewGate(
		security.NewRateLimiter(kv, security.DefaultLimits(30, 10000, 60, 20, 10)),
		security.NewContentFilter(4000), nil)
	engine := memory.NewEngine(kv, blob, passthroughSummarizer{}, memory.Tunables{}, 0, "* * * * *", nil)

	registry := tools.NewRegistry(nil)
	if err := registry.Register(tools.NewKBSearchTool(tools.SeedKB())); err != nil {
		t.Fatalf("register kb_search: %v", err)
	}
	registry.Seal()

	pipe := pipeline.New(gate, engine, registry, llm.NewClient(provider, nil, nil), nil, nil, nil, 4096)
	server := NewServer(cfg, nil, pipe, engine, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	addr, start := StartTestServer(ctx, server)
	start()

	url := "ws://" + addr + "/ws"
	if cfg.Gateway.Token != "" {
		url += "?token=" + cfg.Gateway.Token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, frameType, correlationID string, payload any) {
	t.Helper()
	frame := protocol.NewFrame(frameType, payload)
	frame.CorrelationID = correlationID
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write %s: %v", frameType, err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) *protocol.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame protocol.Frame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return &frame
}

func errorCode(t *testing.T, frame *protocol.Frame) string {
	t.Helper()
	if frame.Type != protocol.FrameError {
		t.Fatalf("frame type = %s, want error", frame.Type)
	}
	var payload protocol.ErrorPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	return payload.Code
}

func TestInitAndChatOverWebSocket(t *testing.T) {
	provider := &wsProvider{responses: []*llm.ChatResponse{{
		Content:      "You can track the order from your account page.",
		FinishReason: "stop",
		Provider:     "ws",
		Model:        "ws-1",
	}}}
	conn := dialTestServer(t, config.Default(), provider)

	sendFrame(t, conn, protocol.FrameInit, "c-1", protocol.InitPayload{Session: "s-ws"})
	ready := readFrame(t, conn)
	if ready.Type != protocol.FrameSystemNotification {
		t.Fatalf("init reply type = %s", ready.Type)
	}
	if ready.CorrelationID != "c-1" {
		t.Fatalf("correlation = %q", ready.CorrelationID)
	}

	sendFrame(t, conn, protocol.FrameChatMessage, "c-2", protocol.ChatMessagePayload{
		Session: "s-ws",
		Content: "Where is my order?",
	})
	reply := readFrame(t, conn)
	if reply.Type != protocol.FrameAIResponse {
		t.Fatalf("chat reply type = %s", reply.Type)
	}
	if reply.CorrelationID != "c-2" {
		t.Fatalf("correlation = %q", reply.CorrelationID)
	}
	var payload protocol.AIResponsePayload
	if err := json.Unmarshal(reply.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Session != "s-ws" || payload.Content == "" || payload.MessageID == "" {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestChatWithoutInitRejected(t *testing.T) {
	conn := dialTestServer(t, config.Default(), &wsProvider{})

	sendFrame(t, conn, protocol.FrameChatMessage, "c-1", protocol.ChatMessagePayload{
		Session: "s-uninitialized",
		Content: "hello",
	})
	if code := errorCode(t, readFrame(t, conn)); code != protocol.CodeInvalidSession {
		t.Fatalf("code = %s", code)
	}
}

func TestPingPong(t *testing.T) {
	conn := dialTestServer(t, config.Default(), &wsProvider{})

	sendFrame(t, conn, protocol.FramePing, "c-p", nil)
	pong := readFrame(t, conn)
	if pong.Type != protocol.FramePong || pong.CorrelationID != "c-p" {
		t.Fatalf("pong = %+v", pong)
	}
}

func TestVoiceInputRejected(t *testing.T) {
	conn := dialTestServer(t, config.Default(), &wsProvider{})

	sendFrame(t, conn, protocol.FrameVoiceInput, "c-v", protocol.VoiceInputPayload{
		Session: "s-1", AudioB64: "AAAA", Format: "ogg",
	})
	if code := errorCode(t, readFrame(t, conn)); code != protocol.CodeInvalidFieldValue {
		t.Fatalf("code = %s", code)
	}
}

func TestUnknownFrameTypeRejected(t *testing.T) {
	conn := dialTestServer(t, config.Default(), &wsProvider{})

	sendFrame(t, conn, "teleport", "c-x", nil)
	if code := errorCode(t, readFrame(t, conn)); code != protocol.CodeInvalidRequestFormat {
		t.Fatalf("code = %s", code)
	}
}

func TestFrameBudgetLimitsNonPingFrames(t *testing.T) {
	cfg := config.Default()
	cfg.Security.WSMessagesPerMinute = 1
	cfg.Security.Burst = 1
	conn := dialTestServer(t, cfg, &wsProvider{})

	// First frame spends the whole budget.
	sendFrame(t, conn, protocol.FrameInit, "c-1", protocol.InitPayload{Session: "s-1"})
	if got := readFrame(t, conn); got.Type != protocol.FrameSystemNotification {
		t.Fatalf("init reply = %+v", got)
	}

	sendFrame(t, conn, protocol.FrameChatMessage, "c-2", protocol.ChatMessagePayload{
		Session: "s-1", Content: "hello",
	})
	if code := errorCode(t, readFrame(t, conn)); code != protocol.CodeRateLimitExceeded {
		t.Fatalf("code = %s", code)
	}

	// Ping never consumes budget.
	sendFrame(t, conn, protocol.FramePing, "c-3", nil)
	if got := readFrame(t, conn); got.Type != protocol.FramePong {
		t.Fatalf("ping reply = %+v", got)
	}
}

func TestUpgradeRequiresToken(t *testing.T) {
	cfg := config.Default()
	cfg.Gateway.Token = "t0ken"

	// dialTestServer appends the token, so this connection succeeds.
	conn := dialTestServer(t, cfg, &wsProvider{})
	sendFrame(t, conn, protocol.FramePing, "c-1", nil)
	if got := readFrame(t, conn); got.Type != protocol.FramePong {
		t.Fatalf("authorized connection broken: %+v", got)
	}

	// A bare dial against the same listener is turned away before upgrade.
	url := "ws://" + conn.RemoteAddr().String() + "/ws"
	if _, resp, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Fatal("upgrade without token accepted")
	} else if resp != nil && resp.StatusCode != 401 {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestMalformedFrameRejected(t *testing.T) {
	conn := dialTestServer(t, config.Default(), &wsProvider{})

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if code := errorCode(t, readFrame(t, conn)); code != protocol.CodeInvalidRequestFormat {
		t.Fatalf("code = %s", code)
	}
}
