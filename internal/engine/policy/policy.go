// Package policy holds the pure role and transition decision logic. Rules is
// an immutable value built once at startup; nothing here touches storage.
package policy

import (
	"fmt"
	"strings"

	"agentboard/internal/domain"
)

// Decision is the outcome of a policy check. Reason is set on deny and is
// specific enough to drive the HTTP error body.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(format string, args ...any) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...)}
}

// DeniedError is returned by the engine when a policy check rejects an
// operation.
type DeniedError struct {
	Reason     string
	FromStatus string
	ToStatus   string
}

func (e DeniedError) Error() string {
	return e.Reason
}

// transitionRule gates entry into one target status.
type transitionRule struct {
	// sources lists the statuses a card may come from. Empty means any.
	sources []string
	// requireOwner demands the actor own the card (founder bypasses).
	requireOwner bool
	// requireRole demands at least this role regardless of ownership.
	requireRole string
}

// Rules is the transition rule table plus role ordering. Construct with
// Default and pass by reference; there is no global instance.
type Rules struct {
	transitions map[string]transitionRule
}

// Default returns the board's rule table:
//
//	Ongoing  <- To Do | Backlog | Agent Inbox   owner or founder
//	Review   <- Ongoing                         owner or founder
//	Done     <- Review | Ongoing                founder only
//
// Targets without an entry are unrestricted. Done has no outbound rule from
// it anywhere in the table, which is what makes it terminal.
func Default() Rules {
	return Rules{
		transitions: map[string]transitionRule{
			domain.StatusOngoing: {
				sources:      []string{domain.StatusToDo, domain.StatusBacklog, domain.StatusAgentInbox},
				requireOwner: true,
			},
			domain.StatusReview: {
				sources:      []string{domain.StatusOngoing},
				requireOwner: true,
			},
			domain.StatusDone: {
				sources:     []string{domain.StatusReview, domain.StatusOngoing},
				requireRole: domain.RoleFounder,
			},
		},
	}
}

var rolePrivilege = map[string]int{
	domain.RoleMember:  0,
	domain.RoleAgent:   1,
	domain.RoleFounder: 2,
}

func roleAtLeast(role, min string) bool {
	return rolePrivilege[role] >= rolePrivilege[min]
}

// CanMutate is the blanket safety lock: an unassigned card may only be
// touched by the founder. Evaluated before any per-target rule.
func (r Rules) CanMutate(card domain.Card, actor domain.Actor) Decision {
	if card.Unassigned() && actor.AgentRole != domain.RoleFounder {
		return deny("card %q is unassigned; only the founder may modify an unassigned card (claim it first)", card.ID)
	}
	return allow()
}

// CanClaim reports whether the actor may take ownership of a card. Only
// roles privileged to do work may claim.
func (r Rules) CanClaim(actor domain.Actor) Decision {
	if !roleAtLeast(actor.AgentRole, domain.RoleAgent) {
		return deny("role %q may not claim cards; agent or founder required", actor.AgentRole)
	}
	return allow()
}

// CanAssignOwner reports whether the actor may set owner_agent on an
// unassigned card through a field update. Layered on top of CanMutate.
func (r Rules) CanAssignOwner(actor domain.Actor) Decision {
	if !roleAtLeast(actor.AgentRole, domain.RoleAgent) {
		return deny("role %q may not assign card ownership; agent or founder required", actor.AgentRole)
	}
	return allow()
}

// EvaluateTransition decides whether actor may move card to target. The
// caller is expected to have short-circuited same-status requests already.
func (r Rules) EvaluateTransition(card domain.Card, target string, actor domain.Actor) Decision {
	if d := r.CanMutate(card, actor); !d.Allowed {
		return d
	}
	rule, ok := r.transitions[target]
	if !ok {
		return allow()
	}
	if len(rule.sources) > 0 && !contains(rule.sources, card.Status) {
		return deny("cannot move to %s from %s; legal sources are %s", target, card.Status, strings.Join(rule.sources, ", "))
	}
	if rule.requireRole != "" && !roleAtLeast(actor.AgentRole, rule.requireRole) {
		return deny("moving to %s requires role %s; actor %q has role %s", target, rule.requireRole, actor.AgentID, actor.AgentRole)
	}
	if rule.requireOwner && !isOwner(card, actor) && actor.AgentRole != domain.RoleFounder {
		return deny("moving to %s requires card ownership; card is owned by %s", target, ownerLabel(card))
	}
	return allow()
}

// isOwner matches the authoritative owner_agent, falling back to the legacy
// assignee label.
func isOwner(card domain.Card, actor domain.Actor) bool {
	if card.OwnerAgent != nil && *card.OwnerAgent == actor.AgentID {
		return true
	}
	if card.Assignee != nil && *card.Assignee == actor.AgentID {
		return true
	}
	return false
}

func ownerLabel(card domain.Card) string {
	if card.OwnerAgent != nil && *card.OwnerAgent != "" {
		return *card.OwnerAgent
	}
	return "nobody"
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
