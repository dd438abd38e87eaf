package tools

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"
)

// Ticket statuses accepted by update_ticket.
var ticketStatuses = map[string]bool{
	"open":            true,
	"in_progress":     true,
	"waiting_on_user": true,
	"resolved":        true,
	"closed":          true,
}

// resolutionByPriority maps priority to the estimated resolution window.
var resolutionByPriority = map[string]time.Duration{
	"urgent": 4 * time.Hour,
	"high":   24 * time.Hour,
	"medium": 72 * time.Hour,
	"low":    168 * time.Hour,
}

// Ticket is one support ticket record.
type Ticket struct {
	ID                  string            `json:"ticket_id"`
	Title               string            `json:"title"`
	Description         string            `json:"description"`
	Priority            string            `json:"priority"`
	Category            string            `json:"category"`
	Status              string            `json:"status"`
	AssignedTo          string            `json:"assigned_to,omitempty"`
	Resolution          string            `json:"resolution,omitempty"`
	UserEmail           string            `json:"user_email,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
	EstimatedResolution time.Time         `json:"estimated_resolution"`
}

// TicketStore is the ticketing backend.
type TicketStore interface {
	Create(ctx context.Context, t Ticket) (Ticket, error)
	Get(ctx context.Context, id string) (Ticket, bool, error)
	Update(ctx context.Context, t Ticket) error
}

// NewTicketID generates an id matching TKT-<unix-ms>-<6 alnum>.
func NewTicketID(now time.Time) string {
	const alnum = "abcdefghijklmnopqrstuvwxyz0123456789"
	suffix := make([]byte, 6)
	for i := range suffix {
		suffix[i] = alnum[rand.Intn(len(alnum))]
	}
	return fmt.Sprintf("TKT-%d-%s", now.UnixMilli(), suffix)
}

// MemoryTicketStore keeps tickets in memory; the default backend and the
// test double.
type MemoryTicketStore struct {
	mu      sync.Mutex
	tickets map[string]Ticket
	byKey   map[string]string // metadata idempotency_key -> ticket id
}

func NewMemoryTicketStore() *MemoryTicketStore {
	return &MemoryTicketStore{
		tickets: make(map[string]Ticket),
		byKey:   make(map[string]string),
	}
}

// Create stores the ticket. A create carrying an idempotency_key already
// seen returns the original ticket, so workflow retries of a create step
// never open a duplicate.
func (s *MemoryTicketStore) Create(_ context.Context, t Ticket) (Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key := t.Metadata["idempotency_key"]; key != "" {
		if id, ok := s.byKey[key]; ok {
			return s.tickets[id], nil
		}
		s.byKey[key] = t.ID
	}
	s.tickets[t.ID] = t
	return t, nil
}

func (s *MemoryTicketStore) Get(_ context.Context, id string) (Ticket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	return t, ok, nil
}

func (s *MemoryTicketStore) Update(_ context.Context, t Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets[t.ID] = t
	return nil
}

// All returns every ticket, ascending by id. Test helper.
func (s *MemoryTicketStore) All() []Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Ticket, 0, len(s.tickets))
	for _, t := range s.tickets {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// --- create_ticket ---

type CreateTicketTool struct {
	store TicketStore
}

func NewCreateTicketTool(store TicketStore) *CreateTicketTool {
	return &CreateTicketTool{store: store}
}

func (t *CreateTicketTool) Name() string { return "create_ticket" }

func (t *CreateTicketTool) Describe() string {
	return "Create a support ticket for an issue that cannot be resolved in chat. " +
		"Returns the ticket id and an estimated resolution time."
}

func (t *CreateTicketTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"title": map[string]interface{}{
				"type": "string", "minLength": 1,
				"description": "Short problem summary.",
			},
			"description": map[string]interface{}{
				"type": "string", "minLength": 1,
				"description": "Full problem description including steps already tried.",
			},
			"priority": map[string]interface{}{
				"type":        "string",
				"enum":        []interface{}{"low", "medium", "high", "urgent"},
				"description": "Ticket priority.",
			},
			"category": map[string]interface{}{
				"type": "string", "minLength": 1,
				"description": "Issue category, e.g. billing, technical, account.",
			},
			"user_email": map[string]interface{}{
				"type":        "string",
				"description": "Contact email for updates.",
			},
			"metadata": map[string]interface{}{
				"type":        "object",
				"description": "Additional free-form attributes.",
			},
		},
		"required": []interface{}{"title", "description", "priority", "category"},
	}
}

func (t *CreateTicketTool) Permissions() []string  { return nil }
func (t *CreateTicketTool) Timeout() time.Duration { return 0 }

func (t *CreateTicketTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	now := time.Now()
	priority, _ := args["priority"].(string)

	ticket := Ticket{
		ID:          NewTicketID(now),
		Title:       stringArg(args, "title"),
		Description: stringArg(args, "description"),
		Priority:    priority,
		Category:    stringArg(args, "category"),
		UserEmail:   stringArg(args, "user_email"),
		Status:      "open",
		CreatedAt:   now,
		UpdatedAt:   now,

		EstimatedResolution: now.Add(resolutionByPriority[priority]),
	}
	if raw, ok := args["metadata"].(map[string]interface{}); ok && len(raw) > 0 {
		ticket.Metadata = make(map[string]string, len(raw))
		for k, v := range raw {
			ticket.Metadata[k] = fmt.Sprint(v)
		}
	}

	created, err := t.store.Create(ctx, ticket)
	if err != nil {
		return Fail("ticket creation failed: " + err.Error())
	}
	return Ok(map[string]interface{}{
		"ticket_id":            created.ID,
		"status":               created.Status,
		"created_at":           created.CreatedAt.Format(time.RFC3339),
		"estimated_resolution": created.EstimatedResolution.Format(time.RFC3339),
	})
}

// --- ticket_status ---

type TicketStatusTool struct {
	store TicketStore
}

func NewTicketStatusTool(store TicketStore) *TicketStatusTool {
	return &TicketStatusTool{store: store}
}

func (t *TicketStatusTool) Name() string { return "ticket_status" }

func (t *TicketStatusTool) Describe() string {
	return "Look up the current status of a support ticket by id."
}

func (t *TicketStatusTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"ticket_id": map[string]interface{}{
				"type": "string", "minLength": 1,
				"description": "Ticket id, e.g. TKT-1714000000000-a1b2c3.",
			},
		},
		"required": []interface{}{"ticket_id"},
	}
}

func (t *TicketStatusTool) Permissions() []string  { return nil }
func (t *TicketStatusTool) Timeout() time.Duration { return 0 }

func (t *TicketStatusTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	id := stringArg(args, "ticket_id")
	ticket, ok, err := t.store.Get(ctx, id)
	if err != nil {
		return Fail("ticket lookup failed: " + err.Error())
	}
	if !ok {
		return Fail("Ticket not found")
	}
	return Ok(ticket)
}

// --- update_ticket ---

type UpdateTicketTool struct {
	store TicketStore
}

func NewUpdateTicketTool(store TicketStore) *UpdateTicketTool {
	return &UpdateTicketTool{store: store}
}

func (t *UpdateTicketTool) Name() string { return "update_ticket" }

func (t *UpdateTicketTool) Describe() string {
	return "Update an existing support ticket: status, priority, assignee, or resolution."
}

func (t *UpdateTicketTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"ticket_id": map[string]interface{}{
				"type": "string", "minLength": 1,
			},
			"status": map[string]interface{}{
				"type": "string",
				"enum": []interface{}{"open", "in_progress", "waiting_on_user", "resolved", "closed"},
			},
			"priority": map[string]interface{}{
				"type": "string",
				"enum": []interface{}{"low", "medium", "high", "urgent"},
			},
			"assigned_to": map[string]interface{}{
				"type": "string",
			},
			"resolution": map[string]interface{}{
				"type": "string",
			},
		},
		"required": []interface{}{"ticket_id"},
	}
}

func (t *UpdateTicketTool) Permissions() []string  { return []string{"support_agent"} }
func (t *UpdateTicketTool) Timeout() time.Duration { return 0 }

func (t *UpdateTicketTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	id := stringArg(args, "ticket_id")
	ticket, ok, err := t.store.Get(ctx, id)
	if err != nil {
		return Fail("ticket lookup failed: " + err.Error())
	}
	if !ok {
		return Fail("Ticket not found")
	}

	if status := stringArg(args, "status"); status != "" {
		if !ticketStatuses[status] {
			return Fail("invalid status: " + status)
		}
		ticket.Status = status
	}
	if priority := stringArg(args, "priority"); priority != "" {
		ticket.Priority = priority
	}
	if assignee := stringArg(args, "assigned_to"); assignee != "" {
		ticket.AssignedTo = assignee
	}
	if resolution := stringArg(args, "resolution"); resolution != "" {
		ticket.Resolution = resolution
	}
	ticket.UpdatedAt = time.Now()

	if err := t.store.Update(ctx, ticket); err != nil {
		return Fail("ticket update failed: " + err.Error())
	}
	return Ok(ticket)
}

func stringArg(args map[string]interface{}, key string) string {
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}
