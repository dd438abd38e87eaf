// Package pipeline orchestrates one inbound chat message end to end:
// security gate, memory append, prompt assembly, LLM call, tool dispatch,
// and the final assistant message.
package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/deskwire/internal/bus"
	"github.com/nextlevelbuilder/deskwire/internal/llm"
	"github.com/nextlevelbuilder/deskwire/internal/memory"
	"github.com/nextlevelbuilder/deskwire/internal/monitor"
	"github.com/nextlevelbuilder/deskwire/internal/security"
	"github.com/nextlevelbuilder/deskwire/internal/tools"
	"github.com/nextlevelbuilder/deskwire/pkg/protocol"
)

// maxToolRounds bounds model→tool→model loops per message.
const maxToolRounds = 3

// Pipeline wires the stages together. Every collaborator is constructed at
// startup and passed by reference.
type Pipeline struct {
	gate      *security.Gate
	engine    *memory.Engine
	registry  *tools.Registry
	client    *llm.Client
	events    bus.Publisher
	metrics   *monitor.Metrics
	tracing   *monitor.Tracing
	maxTokens int
}

// New builds a pipeline. events, metrics, and tracing may be nil in tests.
func New(gate *security.Gate, engine *memory.Engine, registry *tools.Registry,
	client *llm.Client, events bus.Publisher, metrics *monitor.Metrics,
	tracing *monitor.Tracing, maxTokens int) *Pipeline {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Pipeline{
		gate:      gate,
		engine:    engine,
		registry:  registry,
		client:    client,
		events:    events,
		metrics:   metrics,
		tracing:   tracing,
		maxTokens: maxTokens,
	}
}

// Request is one inbound user message.
type Request struct {
	Session string
	User    string
	Content string

	// MessageID deduplicates retries. Generated when empty.
	MessageID string

	Metadata map[string]string

	// Kind selects the rate-limit bucket; defaults to per-request.
	Kind security.LimitKind
}

// Result is the delivered assistant response.
type Result struct {
	Session       string
	CorrelationID string
	MessageID     string
	Content       string
	ToolCalls     []protocol.ToolCallInfo
	Provider      string
	Model         string
	FallbackUsed  bool
	ProcessingMS  int64
}

// Handle runs one message through every stage. The returned Decision is
// always populated for rate-limit response headers, success or failure.
func (p *Pipeline) Handle(ctx context.Context, req Request) (*Result, security.Decision, *protocol.Error) {
	start := time.Now()
	correlation := uuid.NewString()
	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}
	if req.Kind == "" {
		req.Kind = security.LimitRequests
	}
	log := slog.With("session", req.Session, "correlation_id", correlation)

	ctx, span := p.span(ctx, "pipeline.handle",
		attribute.String("session", req.Session),
		attribute.String("correlation_id", correlation))
	defer span.End()

	res, decision, perr := p.handle(ctx, req, correlation, log)
	elapsed := time.Since(start)

	if p.metrics != nil {
		p.metrics.PipelineDuration.Observe(elapsed.Seconds())
	}
	if perr != nil {
		p.countError("pipeline", perr)
		log.Info("pipeline.rejected", "code", perr.Code, "elapsed", elapsed)
		return nil, decision, perr
	}

	res.CorrelationID = correlation
	res.ProcessingMS = elapsed.Milliseconds()
	log.Info("pipeline.completed",
		"message_id", res.MessageID, "provider", res.Provider,
		"fallback_used", res.FallbackUsed, "tool_calls", len(res.ToolCalls),
		"elapsed", elapsed)
	return res, decision, nil
}

func (p *Pipeline) handle(ctx context.Context, req Request, correlation string, log *slog.Logger) (*Result, security.Decision, *protocol.Error) {
	// Stage 1: security gate.
	cleaned, decision, perr := p.gate.Admit(ctx, req.Session, req.Content, req.Kind)
	if perr != nil {
		return nil, decision, perr
	}

	// Stage 2: resolve the owning session actor; idempotent create.
	if _, _, perr = p.engine.Init(ctx, req.Session, req.User, req.Metadata); perr != nil {
		return nil, decision, perr
	}

	// Stage 3: append the user message. The message id is the dedup key, so
	// a retried request does not double-append.
	userMsg := memory.Message{
		ID:        req.MessageID,
		Session:   req.Session,
		Role:      "user",
		Content:   cleaned,
		Timestamp: time.Now().UnixMilli(),
	}
	view, perr := p.addMessage(ctx, req.Session, userMsg)
	if perr != nil {
		return nil, decision, perr
	}
	p.countMessage("user", "ok")

	// Stage 4: assemble the prompt and call the model, re-entering for tool
	// rounds. Typing state brackets the model work.
	p.emitTyping(req.Session, true)
	defer p.emitTyping(req.Session, false)

	result, perr := p.converse(ctx, req, view, correlation, log)
	if perr != nil {
		p.countMessage("assistant", "error")
		return nil, decision, perr
	}

	p.countMessage("assistant", "ok")
	return result, decision, nil
}

// converse drives the model/tool loop to a final assistant message.
func (p *Pipeline) converse(ctx context.Context, req Request, view memory.Context, correlation string, log *slog.Logger) (*Result, *protocol.Error) {
	chatReq := llm.BuildRequest(llm.PromptInput{
		Summary:      view.Summary,
		Recent:       toWireMessages(view.Messages),
		ActiveTopics: view.Topics,
		MaxTokens:    p.maxTokens,
	}, p.registry.Definitions())

	var (
		toolInfos   []protocol.ToolCallInfo
		toolRecords []memory.ToolCallRecord
		resp        *llm.ChatResponse
		perr        *protocol.Error
		totalTokens int
	)

	for round := 0; ; round++ {
		lctx, span := p.span(ctx, "pipeline.llm_call", attribute.Int("round", round))
		resp, perr = p.client.Chat(lctx, chatReq)
		span.End()
		if perr != nil {
			return nil, perr
		}
		if resp.Usage != nil {
			totalTokens += resp.Usage.TotalTokens
		}

		if len(resp.ToolCalls) == 0 || round >= maxToolRounds {
			break
		}

		chatReq.Messages = append(chatReq.Messages, llm.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			info, record, toolMsg := p.dispatchTool(ctx, req.Session, correlation, call)
			toolInfos = append(toolInfos, info)
			toolRecords = append(toolRecords, record)
			chatReq.Messages = append(chatReq.Messages, toolMsg)

			if _, perr := p.addMessage(ctx, req.Session, memory.Message{
				ID:        uuid.NewString(),
				Session:   req.Session,
				Role:      "tool",
				Content:   toolMsg.Content,
				Timestamp: time.Now().UnixMilli(),
				ToolCalls: []memory.ToolCallRecord{record},
			}); perr != nil {
				log.Warn("pipeline.tool_record_failed", "tool", call.Name, "error", perr)
			} else {
				p.countMessage("tool", "ok")
			}
		}
	}

	// Token budget is charged after the fact; over-limit affects the next
	// message, not this response.
	if totalTokens > 0 {
		p.gate.ChargeTokens(ctx, req.Session, totalTokens)
	}

	shaped := llm.ShapeResponse(resp.Content)
	assistantMsg := memory.Message{
		ID:        uuid.NewString(),
		Session:   req.Session,
		Role:      "assistant",
		Content:   shaped,
		Timestamp: time.Now().UnixMilli(),
		ToolCalls: toolRecords,
	}
	if _, perr := p.addMessage(ctx, req.Session, assistantMsg); perr != nil {
		return nil, perr
	}

	return &Result{
		Session:      req.Session,
		MessageID:    assistantMsg.ID,
		Content:      shaped,
		ToolCalls:    toolInfos,
		Provider:     resp.Provider,
		Model:        resp.Model,
		FallbackUsed: resp.FallbackUsed,
	}, nil
}

// dispatchTool executes one model-requested tool call. Failures surface in
// the tool result so the model can incorporate them; they never abort the
// pipeline.
func (p *Pipeline) dispatchTool(ctx context.Context, session, correlation string, call llm.ToolCall) (protocol.ToolCallInfo, memory.ToolCallRecord, llm.Message) {
	tctx, span := p.span(ctx, "pipeline.tool_call", attribute.String("tool", call.Name))
	res := p.registry.Execute(tctx, call.Name, call.Arguments, tools.ExecContext{
		Session:   session,
		RequestID: correlation,
	})
	span.End()

	info := protocol.ToolCallInfo{
		Name:     call.Name,
		Success:  res.Success,
		Duration: res.Duration.Milliseconds(),
	}
	record := memory.ToolCallRecord{
		ID:        call.ID,
		Name:      call.Name,
		Arguments: call.Arguments,
	}

	var content string
	if res.Success {
		if data, err := json.Marshal(res.Data); err == nil {
			content = string(data)
		} else {
			content = `{"error":"unserializable tool result"}`
		}
	} else {
		payload, _ := json.Marshal(map[string]string{"error": res.Error})
		content = string(payload)
	}

	return info, record, llm.Message{
		Role:       "tool",
		Content:    content,
		ToolCallID: call.ID,
	}
}

// addMessage appends with one idempotent retry on transient storage errors.
// The message id dedups, so the retry cannot double-append.
func (p *Pipeline) addMessage(ctx context.Context, session string, msg memory.Message) (memory.Context, *protocol.Error) {
	view, perr := p.engine.AddMessage(ctx, session, msg)
	if perr == nil || !perr.Retryable {
		return view, perr
	}
	slog.Warn("pipeline.append_retry", "session", session, "message_id", msg.ID, "code", perr.Code)
	return p.engine.AddMessage(ctx, session, msg)
}

func (p *Pipeline) emitTyping(session string, typing bool) {
	if p.events == nil {
		return
	}
	p.events.Broadcast(bus.Event{
		Session: session,
		Frame: protocol.NewFrame(protocol.FrameAITyping, protocol.AITypingPayload{
			Session:  session,
			IsTyping: typing,
		}),
	})
}

func (p *Pipeline) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if p.tracing == nil {
		return trace.SpanFromContext(ctx).TracerProvider().Tracer("deskwire").Start(ctx, name)
	}
	return p.tracing.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (p *Pipeline) countMessage(role, status string) {
	if p.metrics != nil {
		p.metrics.MessageCounter.WithLabelValues(role, status).Inc()
	}
}

func (p *Pipeline) countError(component string, perr *protocol.Error) {
	if p.metrics != nil {
		p.metrics.ErrorCounter.WithLabelValues(component, perr.Code).Inc()
	}
}

func toWireMessages(msgs []memory.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role != "user" && m.Role != "assistant" && m.Role != "tool" {
			continue
		}
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	return out
}
