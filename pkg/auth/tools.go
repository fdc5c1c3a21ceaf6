package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"conversation-router/pkg/mentions"
	"conversation-router/pkg/models"
)

// ToolVerifyCustomer is answered by the manager itself instead of the gateway.
const ToolVerifyCustomer = "verify_customer"

// DefaultProtectedTools expose private order data.
var DefaultProtectedTools = []string{
	"get_order",
	"get_order_by_number",
	"track_order",
	"get_tracking",
	"get_payment_status",
}

// ToolExecutor matches the executor the handler adapter calls.
type ToolExecutor interface {
	Execute(ctx context.Context, conversationID, name string, args map[string]any) (string, error)
}

// ToolGuard sits in front of the tool gateway. Protected tools only run with
// a live session; a missing or expired session becomes a tool output the
// handler can act on, so the customer gets asked to verify. Names are matched
// case-insensitively and a provider prefix ("tiendanube_get_order") does not
// escape protection; any tool in the order family is protected.
type ToolGuard struct {
	manager   *Manager
	next      ToolExecutor
	protected map[string]bool
}

func NewToolGuard(manager *Manager, next ToolExecutor, protected ...string) *ToolGuard {
	set := make(map[string]bool, len(protected))
	for _, name := range protected {
		set[normalizeTool(name)] = true
	}
	return &ToolGuard{manager: manager, next: next, protected: set}
}

func (g *ToolGuard) Execute(ctx context.Context, conversationID, name string, args map[string]any) (string, error) {
	if normalizeTool(name) == ToolVerifyCustomer {
		res := g.manager.Verify(ctx, conversationID, stringArg(args, "email"), stringArg(args, "last_digits"))
		out, err := json.Marshal(res)
		if err != nil {
			return "", fmt.Errorf("failed to marshal verification result: %w", err)
		}
		return string(out), nil
	}

	if !g.isProtected(name) {
		return g.next.Execute(ctx, conversationID, name, args)
	}

	out, err := Protect(ctx, g.manager, conversationID, func(ctx context.Context, _ models.ToolSession) (string, error) {
		return g.next.Execute(ctx, conversationID, name, args)
	})
	switch {
	case errors.Is(err, ErrVerificationRequired):
		return `{"error":"` + models.ToolErrorVerificationRequired + `"}`, nil
	case errors.Is(err, ErrSessionExpired):
		return `{"error":"` + models.ToolErrorSessionExpired + `"}`, nil
	}
	return out, err
}

func (g *ToolGuard) isProtected(tool string) bool {
	name := normalizeTool(tool)
	if g.protected[name] {
		return true
	}
	if kind, _, ok := mentions.Family(name); ok && kind == mentions.OrderKind {
		return true
	}
	for known := range g.protected {
		if strings.HasSuffix(name, "_"+known) {
			return true
		}
	}
	return false
}

func normalizeTool(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}
