package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/deskwire/internal/tools"
)

// SupportEscalation is the built-in escalation workflow: search the
// knowledge base for the reported issue, then open a ticket carrying the
// findings. Rolling back closes the ticket.
func SupportEscalation(registry *tools.Registry) Definition {
	retry := RetryPolicy{
		MaxAttempts: 3,
		Strategy:    StrategyExponential,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
	}

	return Definition{
		Name: "support_escalation",
		Steps: []Step{
			{
				ID:      "10_search_kb",
				Name:    "Search knowledge base",
				Retry:   retry,
				Timeout: 10 * time.Second,
				Handler: func(ctx context.Context, in StepInput) (map[string]interface{}, error) {
					issue, err := inputString(in, "issue")
					if err != nil {
						return nil, Tagged(NonRetryableTag, err)
					}
					res := registry.Execute(ctx, "kb_search", map[string]interface{}{
						"query":       issue,
						"max_results": 3,
					}, toolContext(in))
					if !res.Success {
						return nil, fmt.Errorf("kb_search: %s", res.Error)
					}
					return map[string]interface{}{"articles": res.Data}, nil
				},
			},
			{
				ID:        "20_create_ticket",
				Name:      "Open escalation ticket",
				DependsOn: []string{"10_search_kb"},
				Retry:     retry,
				Timeout:   10 * time.Second,
				Handler: func(ctx context.Context, in StepInput) (map[string]interface{}, error) {
					issue, err := inputString(in, "issue")
					if err != nil {
						return nil, Tagged(NonRetryableTag, err)
					}
					priority := "medium"
					if p, perr := inputString(in, "priority"); perr == nil {
						priority = p
					}
					res := registry.Execute(ctx, "create_ticket", map[string]interface{}{
						"title":       "Escalation: " + truncateTitle(issue),
						"description": issue,
						"priority":    priority,
						"category":    "escalation",
						"metadata": map[string]interface{}{
							"execution":       in.Execution,
							"idempotency_key": in.IdempotencyKey,
						},
					}, toolContext(in))
					if !res.Success {
						return nil, fmt.Errorf("create_ticket: %s", res.Error)
					}
					out, ok := res.Data.(map[string]interface{})
					if !ok {
						return nil, Tagged(NonRetryableTag, fmt.Errorf("create_ticket: unexpected payload %T", res.Data))
					}
					return out, nil
				},
				Compensate: func(ctx context.Context, in StepInput) error {
					out := in.Outputs["20_create_ticket"]
					id, _ := out["ticket_id"].(string)
					if id == "" {
						return nil
					}
					ec := toolContext(in)
					ec.Permissions = append(ec.Permissions, "support_agent")
					res := registry.Execute(ctx, "update_ticket", map[string]interface{}{
						"ticket_id":  id,
						"status":     "closed",
						"resolution": "escalation rolled back",
					}, ec)
					if !res.Success {
						return fmt.Errorf("close ticket %s: %s", id, res.Error)
					}
					return nil
				},
			},
		},
	}
}

func toolContext(in StepInput) tools.ExecContext {
	return tools.ExecContext{
		Session:   in.Context.Session,
		RequestID: in.IdempotencyKey,
	}
}

func inputString(in StepInput, key string) (string, error) {
	input := in.Outputs["$input"]
	v, ok := input[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("missing input %q", key)
	}
	return v, nil
}

func truncateTitle(s string) string {
	runes := []rune(s)
	if len(runes) <= 80 {
		return s
	}
	return string(runes[:80])
}
