// Package resolver decides which agent flow owns a conversation.
//
// Regular conversations are routed by keyword search over a business's usable
// agents. Broadcast-originated conversations are routed strictly through the
// broadcast's keyword-to-agent mapping, with deterministic fallback. Once a
// conversation has bound to an agent the binding is sticky: later messages
// reuse it without re-running keyword matching, so branching steps mid-flow
// are not re-routed by unrelated keyword collisions.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ConvoPilot/ConvoPilot/internal/models"
)

// MatchKind reports how an agent was resolved.
type MatchKind string

const (
	// MatchSticky reused the conversation's existing agent binding.
	MatchSticky MatchKind = "sticky"
	// MatchKeyword matched an agent keyword in regular mode.
	MatchKeyword MatchKind = "keyword"
	// MatchFirstUsable fell back to the business's first usable agent.
	MatchFirstUsable MatchKind = "first_usable"
	// MatchExact matched a broadcast mapping key exactly.
	MatchExact MatchKind = "exact"
	// MatchPartial matched a broadcast mapping key by substring.
	MatchPartial MatchKind = "partial"
	// MatchMappingFallback used the broadcast mapping's first key.
	MatchMappingFallback MatchKind = "mapping_fallback"
	// MatchSubstituted replaced an unusable mapped agent with a usable one.
	MatchSubstituted MatchKind = "substituted"
)

// Store is the persistence surface the resolver needs.
type Store interface {
	FindAgent(ctx context.Context, id string) (*models.Agent, error)
	FindAgentsByBusiness(ctx context.Context, businessID string) ([]models.Agent, error)
	FindBroadcast(ctx context.Context, id string) (*models.Broadcast, error)
}

// Resolver resolves conversations to agents. It holds no per-conversation
// state; concurrent invocations for the same conversation are serialized by
// the pipeline's per-conversation lock.
type Resolver struct {
	store Store
}

// NewResolver creates a resolver backed by the given store.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the agent that should handle the conversation's next turn.
// businessID scopes regular resolution; userText drives keyword matching.
// A stale binding to an agent that is no longer usable is cleared and
// resolution re-runs; the caller persists the returned agent on the
// conversation.
func (r *Resolver) Resolve(ctx context.Context, conv *models.Conversation, businessID, userText string) (models.Agent, MatchKind, error) {
	// Sticky persistence: a bound usable agent short-circuits matching.
	if conv.AgentID != "" {
		agent, err := r.store.FindAgent(ctx, conv.AgentID)
		if err != nil {
			return models.Agent{}, "", fmt.Errorf("failed to load bound agent %s: %w", conv.AgentID, err)
		}
		if agent != nil && agent.Usable() {
			slog.Debug("Resolver reusing sticky agent binding", "conversation", conv.ID, "agent", agent.ID)
			return *agent, MatchSticky, nil
		}
		// The re-route is logged so operators can see the substitution
		// instead of it happening silently mid-flow.
		slog.Warn("Resolver bound agent no longer usable, re-resolving",
			"conversation", conv.ID, "agent", conv.AgentID)
		conv.AgentID = ""
	}

	if conv.BroadcastID != "" {
		return r.resolveBroadcast(ctx, conv, businessID, userText)
	}
	return r.resolveRegular(ctx, conv, businessID, userText)
}

// resolveRegular scans a business's usable agents for a keyword match.
func (r *Resolver) resolveRegular(ctx context.Context, conv *models.Conversation, businessID, userText string) (models.Agent, MatchKind, error) {
	agents, err := r.store.FindAgentsByBusiness(ctx, businessID)
	if err != nil {
		return models.Agent{}, "", fmt.Errorf("failed to list agents for business %s: %w", businessID, err)
	}

	usable := usableAgents(agents)
	if len(usable) == 0 {
		slog.Error("Resolver no usable agents for business",
			"business", businessID, "total_agents", len(agents), "usable_agents", 0)
		return models.Agent{}, "", fmt.Errorf("business %s (total=%d, usable=0): %w", businessID, len(agents), models.ErrNoActiveAgents)
	}

	normalized := strings.ToLower(strings.TrimSpace(userText))
	for _, agent := range usable {
		for _, keyword := range agent.Keywords {
			kw := strings.ToLower(strings.TrimSpace(keyword))
			if kw != "" && strings.Contains(normalized, kw) {
				slog.Debug("Resolver keyword match", "conversation", conv.ID, "agent", agent.ID, "keyword", keyword)
				return agent, MatchKeyword, nil
			}
		}
	}

	slog.Debug("Resolver no keyword matched, using first usable agent",
		"conversation", conv.ID, "agent", usable[0].ID)
	return usable[0], MatchFirstUsable, nil
}

// resolveBroadcast routes through a broadcast's keyword mapping: exact match,
// then partial match, then the mapping's first key, then escalating
// substitution when the mapped agent is not usable.
func (r *Resolver) resolveBroadcast(ctx context.Context, conv *models.Conversation, businessID, userText string) (models.Agent, MatchKind, error) {
	broadcast, err := r.store.FindBroadcast(ctx, conv.BroadcastID)
	if err != nil {
		return models.Agent{}, "", fmt.Errorf("failed to load broadcast %s: %w", conv.BroadcastID, err)
	}
	if broadcast == nil {
		return models.Agent{}, "", fmt.Errorf("broadcast %s: %w", conv.BroadcastID, models.ErrBroadcastNotFound)
	}
	if len(broadcast.Mapping) == 0 {
		return models.Agent{}, "", fmt.Errorf("broadcast %s: %w", conv.BroadcastID, models.ErrEmptyMapping)
	}

	entry, kind := matchMapping(broadcast.Mapping, userText)
	slog.Debug("Resolver broadcast mapping matched",
		"conversation", conv.ID, "broadcast", broadcast.ID, "keyword", entry.Keyword, "match", string(kind))

	agent, err := r.store.FindAgent(ctx, entry.AgentID)
	if err != nil {
		return models.Agent{}, "", fmt.Errorf("failed to load mapped agent %s: %w", entry.AgentID, err)
	}
	if agent != nil && agent.Usable() {
		conv.State.BroadcastKeyword = entry.Keyword
		return *agent, kind, nil
	}

	// The mapped agent is missing or unusable: try the other mapped agents,
	// then any usable agent, logging the substitution for operators.
	slog.Warn("Resolver mapped agent not usable, attempting substitution",
		"conversation", conv.ID, "broadcast", broadcast.ID, "agent", entry.AgentID, "keyword", entry.Keyword)

	for _, other := range broadcast.Mapping {
		if other.AgentID == entry.AgentID {
			continue
		}
		candidate, err := r.store.FindAgent(ctx, other.AgentID)
		if err != nil {
			return models.Agent{}, "", fmt.Errorf("failed to load mapped agent %s: %w", other.AgentID, err)
		}
		if candidate != nil && candidate.Usable() {
			slog.Warn("Resolver substituted mapped agent",
				"conversation", conv.ID, "intended_agent", entry.AgentID, "substitute_agent", candidate.ID)
			conv.State.BroadcastKeyword = other.Keyword
			return *candidate, MatchSubstituted, nil
		}
	}

	agents, err := r.store.FindAgentsByBusiness(ctx, businessID)
	if err != nil {
		return models.Agent{}, "", fmt.Errorf("failed to list agents for business %s: %w", businessID, err)
	}
	usable := usableAgents(agents)
	if len(usable) > 0 {
		slog.Warn("Resolver substituted system-wide agent for broadcast",
			"conversation", conv.ID, "broadcast", broadcast.ID, "substitute_agent", usable[0].ID)
		return usable[0], MatchSubstituted, nil
	}

	slog.Error("Resolver no usable agents anywhere for broadcast",
		"conversation", conv.ID, "broadcast", broadcast.ID,
		"total_agents", len(agents), "usable_agents", 0)
	return models.Agent{}, "", fmt.Errorf("broadcast %s (total=%d, usable=0): %w", broadcast.ID, len(agents), models.ErrNoActiveAgents)
}

// matchMapping picks a broadcast mapping entry for the user's text: exact
// match first, then substring in either direction, then the first entry.
// Deterministic for fixed inputs because the mapping is an ordered list.
func matchMapping(mapping []models.BroadcastMapping, userText string) (models.BroadcastMapping, MatchKind) {
	normalized := strings.ToLower(strings.TrimSpace(userText))

	if normalized != "" {
		for _, entry := range mapping {
			if normalized == strings.ToLower(strings.TrimSpace(entry.Keyword)) {
				return entry, MatchExact
			}
		}
		for _, entry := range mapping {
			kw := strings.ToLower(strings.TrimSpace(entry.Keyword))
			if kw == "" {
				continue
			}
			if strings.Contains(kw, normalized) || strings.Contains(normalized, kw) {
				return entry, MatchPartial
			}
		}
	}

	return mapping[0], MatchMappingFallback
}

func usableAgents(agents []models.Agent) []models.Agent {
	out := make([]models.Agent, 0, len(agents))
	for _, a := range agents {
		if a.Usable() {
			out = append(out, a)
		}
	}
	return out
}
