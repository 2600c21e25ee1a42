package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentboard/internal/activity"
	"agentboard/internal/config"
	"agentboard/internal/domain"
	"agentboard/internal/engine/policy"
	"agentboard/internal/repo"
)

// Engine orchestrates the card store, the policy rules, and the claim
// coordination. Every mutating entry point runs read-decide-write under the
// card's lock and inside one transaction, with an activity row appended
// before commit.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Activity activity.Writer
	Rules    policy.Rules
	Config   *config.Config
	Now      func() time.Time

	locks *cardLocks
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Activity: activity.Writer{DB: db},
		Rules:    policy.Default(),
		Config:   cfg,
		Now:      time.Now,
		locks:    newCardLocks(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

// cardLocks serializes mutations per card id. Operations on distinct cards
// proceed concurrently.
type cardLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func newCardLocks() *cardLocks {
	return &cardLocks{m: make(map[string]*sync.Mutex)}
}

func (l *cardLocks) lock(id string) func() {
	l.mu.Lock()
	m, ok := l.m[id]
	if !ok {
		m = &sync.Mutex{}
		l.m[id] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// ClaimConflictError reports a claim that lost the race or was ineligible.
// CurrentOwner is empty when the denial was role-based.
type ClaimConflictError struct {
	Reason       string
	CurrentOwner string
}

func (e ClaimConflictError) Error() string {
	return e.Reason
}

// CardCreateOptions are parameters for creating a card.
type CardCreateOptions struct {
	Title         string
	Description   string
	Status        string
	Priority      string
	DueDate       *string
	Branch        *string
	Repo          *string
	Assignee      *string
	OwnerAgent    *string
	OwnerProvided bool
}

// CreateCard inserts a new card. Status defaults to Backlog for the founder
// and Agent Inbox for agent-originated cards; owner_agent defaults to the
// creating actor unless explicitly provided (which may be nil to create an
// unassigned card).
func (e Engine) CreateCard(ctx context.Context, opts CardCreateOptions, actor domain.Actor) (domain.Card, error) {
	if opts.Title == "" {
		return domain.Card{}, errors.New("title is required")
	}
	if opts.Status == "" {
		if actor.AgentRole == domain.RoleFounder {
			opts.Status = domain.StatusBacklog
		} else {
			opts.Status = domain.StatusAgentInbox
		}
	}
	if !domain.ValidStatus(opts.Status) {
		return domain.Card{}, fmt.Errorf("invalid status %q", opts.Status)
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityMedium
	}
	if !domain.ValidPriority(opts.Priority) {
		return domain.Card{}, fmt.Errorf("invalid priority %q", opts.Priority)
	}
	owner := opts.OwnerAgent
	if !opts.OwnerProvided {
		id := actor.AgentID
		owner = &id
	}
	now := e.nowString()
	c := domain.Card{
		ID:          uuid.New().String(),
		Title:       opts.Title,
		Description: opts.Description,
		Assignee:    opts.Assignee,
		OwnerAgent:  normalizeOwner(owner),
		Status:      opts.Status,
		Priority:    opts.Priority,
		DueDate:     opts.DueDate,
		Branch:      opts.Branch,
		Repo:        opts.Repo,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Card{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertCard(ctx, tx, c); err != nil {
		return domain.Card{}, err
	}
	if err := e.Activity.Append(ctx, tx, activity.Entry{
		Action:  activity.ActionCreate,
		Card:    c,
		Details: fmt.Sprintf("created in %s", c.Status),
		Actor:   actor,
		Allowed: true,
	}); err != nil {
		return domain.Card{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Card{}, err
	}
	return c, nil
}

// Claim atomically assigns ownership of an unassigned card to the actor.
// Exactly one of two concurrent claims succeeds; the loser gets a
// ClaimConflictError carrying the winning owner. Every attempt, either way,
// lands in the activity ledger.
func (e Engine) Claim(ctx context.Context, cardID string, actor domain.Actor) (domain.Card, error) {
	unlock := e.locks.lock(cardID)
	defer unlock()

	c, err := e.Repo.GetCard(ctx, cardID)
	if err != nil {
		return domain.Card{}, err
	}

	if d := e.Rules.CanClaim(actor); !d.Allowed {
		if err := e.logClaimDenied(ctx, c, actor, d.Reason); err != nil {
			return domain.Card{}, err
		}
		return domain.Card{}, ClaimConflictError{Reason: d.Reason}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Card{}, err
	}
	defer tx.Rollback()

	won, err := e.Repo.ClaimOwner(ctx, tx, cardID, actor.AgentID, e.nowString())
	if err != nil {
		return domain.Card{}, err
	}
	if !won {
		// Lost the race (or the card was never unowned); report the
		// winner so the caller can pick a different card.
		current, err := e.Repo.GetCardTx(ctx, tx, cardID)
		if err != nil {
			return domain.Card{}, err
		}
		reason := fmt.Sprintf("card already claimed by %s", ownerOf(current))
		if err := e.Activity.Append(ctx, tx, activity.Entry{
			Action:       activity.ActionClaimDenied,
			Card:         current,
			Details:      reason,
			Actor:        actor,
			Allowed:      false,
			DenialReason: reason,
		}); err != nil {
			return domain.Card{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.Card{}, err
		}
		return domain.Card{}, ClaimConflictError{Reason: reason, CurrentOwner: ownerOf(current)}
	}
	claimed, err := e.Repo.GetCardTx(ctx, tx, cardID)
	if err != nil {
		return domain.Card{}, err
	}
	if err := e.Activity.Append(ctx, tx, activity.Entry{
		Action:  activity.ActionClaim,
		Card:    claimed,
		Details: fmt.Sprintf("claimed by %s", actor.AgentID),
		Actor:   actor,
		Allowed: true,
	}); err != nil {
		return domain.Card{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Card{}, err
	}
	return claimed, nil
}

func (e Engine) logClaimDenied(ctx context.Context, c domain.Card, actor domain.Actor, reason string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Activity.Append(ctx, tx, activity.Entry{
		Action:       activity.ActionClaimDenied,
		Card:         c,
		Details:      reason,
		Actor:        actor,
		Allowed:      false,
		DenialReason: reason,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// TransitionResult reports a completed (or no-op) status change.
type TransitionResult struct {
	Card       domain.Card
	FromStatus string
	ToStatus   string
	NoOp       bool
}

// Transition moves a card to target subject to policy approval. A request
// for the card's current status is an allowed no-op: no state change, no
// updated_at bump, no activity row.
func (e Engine) Transition(ctx context.Context, cardID, target string, actor domain.Actor) (TransitionResult, error) {
	if target == "" {
		return TransitionResult{}, errors.New("status is required")
	}
	if !domain.ValidStatus(target) {
		return TransitionResult{}, fmt.Errorf("invalid status %q", target)
	}
	unlock := e.locks.lock(cardID)
	defer unlock()

	c, err := e.Repo.GetCard(ctx, cardID)
	if err != nil {
		return TransitionResult{}, err
	}
	if c.Status == target {
		return TransitionResult{Card: c, FromStatus: c.Status, ToStatus: target, NoOp: true}, nil
	}
	from := c.Status
	if d := e.Rules.EvaluateTransition(c, target, actor); !d.Allowed {
		if err := e.logDeniedTransition(ctx, c, target, actor, d.Reason); err != nil {
			return TransitionResult{}, err
		}
		return TransitionResult{}, policy.DeniedError{Reason: d.Reason, FromStatus: from, ToStatus: target}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return TransitionResult{}, err
	}
	defer tx.Rollback()

	c.Status = target
	c.UpdatedAt = e.nowString()
	if err := e.Repo.UpdateCard(ctx, tx, c); err != nil {
		return TransitionResult{}, err
	}
	if err := e.Activity.Append(ctx, tx, activity.Entry{
		Action:     activity.ActionTransition,
		Card:       c,
		Details:    fmt.Sprintf("%s -> %s", from, target),
		Actor:      actor,
		FromStatus: from,
		ToStatus:   target,
		Allowed:    true,
	}); err != nil {
		return TransitionResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return TransitionResult{}, err
	}
	return TransitionResult{Card: c, FromStatus: from, ToStatus: target}, nil
}

func (e Engine) logDeniedTransition(ctx context.Context, c domain.Card, target string, actor domain.Actor, reason string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Activity.Append(ctx, tx, activity.Entry{
		Action:       activity.ActionTransition,
		Card:         c,
		Details:      reason,
		Actor:        actor,
		FromStatus:   c.Status,
		ToStatus:     target,
		Allowed:      false,
		DenialReason: reason,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// CardUpdateOptions encapsulates a general field patch. Provided flags
// distinguish "absent" from "set to null".
type CardUpdateOptions struct {
	ID          string
	Title       *string
	Description *string
	Priority    *string
	Status      string

	Assignee         *string
	AssigneeProvided bool
	OwnerAgent       *string
	OwnerProvided    bool
	DueDate          *string
	DueDateProvided  bool
	Branch           *string
	BranchProvided   bool
	Repo             *string
	RepoProvided     bool
}

// UpdateCard applies a general field patch. A status change inside the patch
// runs the same transition validation as Transition, and owner_agent
// reassignment on an unassigned card is gated to agent/founder roles. No
// field is committed if any gate denies.
func (e Engine) UpdateCard(ctx context.Context, opts CardUpdateOptions, actor domain.Actor) (domain.Card, error) {
	unlock := e.locks.lock(opts.ID)
	defer unlock()

	c, err := e.Repo.GetCard(ctx, opts.ID)
	if err != nil {
		return domain.Card{}, err
	}
	from := c.Status

	if d := e.Rules.CanMutate(c, actor); !d.Allowed {
		if err := e.logDeniedUpdate(ctx, c, actor, d.Reason); err != nil {
			return domain.Card{}, err
		}
		return domain.Card{}, policy.DeniedError{Reason: d.Reason, FromStatus: from, ToStatus: opts.Status}
	}

	if opts.OwnerProvided && c.Unassigned() && normalizeOwner(opts.OwnerAgent) != nil {
		if d := e.Rules.CanAssignOwner(actor); !d.Allowed {
			if err := e.logDeniedUpdate(ctx, c, actor, d.Reason); err != nil {
				return domain.Card{}, err
			}
			return domain.Card{}, policy.DeniedError{Reason: d.Reason}
		}
	}

	statusChanged := opts.Status != "" && opts.Status != c.Status
	if statusChanged {
		if !domain.ValidStatus(opts.Status) {
			return domain.Card{}, fmt.Errorf("invalid status %q", opts.Status)
		}
		if d := e.Rules.EvaluateTransition(c, opts.Status, actor); !d.Allowed {
			if err := e.logDeniedTransition(ctx, c, opts.Status, actor, d.Reason); err != nil {
				return domain.Card{}, err
			}
			return domain.Card{}, policy.DeniedError{Reason: d.Reason, FromStatus: from, ToStatus: opts.Status}
		}
	}

	if opts.Title != nil {
		if *opts.Title == "" {
			return domain.Card{}, errors.New("title is required")
		}
		c.Title = *opts.Title
	}
	if opts.Description != nil {
		c.Description = *opts.Description
	}
	if opts.Priority != nil {
		if !domain.ValidPriority(*opts.Priority) {
			return domain.Card{}, fmt.Errorf("invalid priority %q", *opts.Priority)
		}
		c.Priority = *opts.Priority
	}
	if opts.AssigneeProvided {
		c.Assignee = normalizeOwner(opts.Assignee)
	}
	if opts.OwnerProvided {
		c.OwnerAgent = normalizeOwner(opts.OwnerAgent)
	}
	if opts.DueDateProvided {
		c.DueDate = opts.DueDate
	}
	if opts.BranchProvided {
		c.Branch = opts.Branch
	}
	if opts.RepoProvided {
		c.Repo = opts.Repo
	}
	if statusChanged {
		c.Status = opts.Status
	}
	c.UpdatedAt = e.nowString()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Card{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateCard(ctx, tx, c); err != nil {
		return domain.Card{}, err
	}
	entry := activity.Entry{
		Action:  activity.ActionUpdate,
		Card:    c,
		Details: "fields updated",
		Actor:   actor,
		Allowed: true,
	}
	if statusChanged {
		entry.FromStatus = from
		entry.ToStatus = c.Status
		entry.Details = fmt.Sprintf("fields updated, %s -> %s", from, c.Status)
	}
	if err := e.Activity.Append(ctx, tx, entry); err != nil {
		return domain.Card{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Card{}, err
	}
	return c, nil
}

func (e Engine) logDeniedUpdate(ctx context.Context, c domain.Card, actor domain.Actor, reason string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Activity.Append(ctx, tx, activity.Entry{
		Action:       activity.ActionUpdate,
		Card:         c,
		Details:      reason,
		Actor:        actor,
		Allowed:      false,
		DenialReason: reason,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteCard removes the card row. Authority is the route's concern; the
// engine only logs and deletes. Activity and comments persist for audit.
func (e Engine) DeleteCard(ctx context.Context, cardID string, actor domain.Actor) error {
	unlock := e.locks.lock(cardID)
	defer unlock()

	c, err := e.Repo.GetCard(ctx, cardID)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteCard(ctx, tx, cardID); err != nil {
		return err
	}
	if err := e.Activity.Append(ctx, tx, activity.Entry{
		Action:  activity.ActionDelete,
		Card:    c,
		Details: "card deleted",
		Actor:   actor,
		Allowed: true,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// AddComment appends an immutable note to a card.
func (e Engine) AddComment(ctx context.Context, cardID, content string, actor domain.Actor) (domain.Comment, error) {
	if content == "" {
		return domain.Comment{}, errors.New("content is required")
	}
	if _, err := e.Repo.GetCard(ctx, cardID); err != nil {
		return domain.Comment{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Comment{}, err
	}
	defer tx.Rollback()
	c, err := e.Repo.InsertComment(ctx, tx, domain.Comment{
		CardID:     cardID,
		Content:    content,
		AuthorID:   actor.AgentID,
		AuthorRole: actor.AgentRole,
		CreatedAt:  e.nowString(),
	})
	if err != nil {
		return domain.Comment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Comment{}, err
	}
	return c, nil
}

// ListComments returns a card's comments, oldest first. Unknown card ids are
// an error, matching the other by-id operations.
func (e Engine) ListComments(ctx context.Context, cardID string) ([]domain.Comment, error) {
	if _, err := e.Repo.GetCard(ctx, cardID); err != nil {
		return nil, err
	}
	return e.Repo.ListComments(ctx, cardID)
}

// Reminders returns cards past their due date and not yet Done.
func (e Engine) Reminders(ctx context.Context) ([]domain.Card, error) {
	return e.Repo.ListDueCards(ctx, e.nowString())
}

func ownerOf(c domain.Card) string {
	if c.OwnerAgent != nil {
		return *c.OwnerAgent
	}
	return ""
}

func normalizeOwner(v *string) *string {
	if v == nil || *v == "" {
		return nil
	}
	return v
}
