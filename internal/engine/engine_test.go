package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"agentboard/internal/config"
	"agentboard/internal/db"
	"agentboard/internal/domain"
	"agentboard/internal/engine"
	"agentboard/internal/engine/policy"
	"agentboard/internal/migrate"
)

var (
	founder = domain.Actor{AgentID: "owner", AgentRole: domain.RoleFounder}
	agentA  = domain.Actor{AgentID: "agent-a", AgentRole: domain.RoleAgent}
	agentB  = domain.Actor{AgentID: "agent-b", AgentRole: domain.RoleAgent}
	member  = domain.Actor{AgentID: "viewer", AgentRole: domain.RoleMember}
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	now    *time.Time
}

func (e *testEnv) advance(d time.Duration) {
	*e.now = e.now.Add(d)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return now }
	return &testEnv{Engine: eng, Ctx: context.Background(), now: &now}
}

func (e *testEnv) createUnassigned(t *testing.T, title, status string) domain.Card {
	t.Helper()
	c, err := e.Engine.CreateCard(e.Ctx, engine.CardCreateOptions{
		Title:         title,
		Status:        status,
		OwnerProvided: true,
	}, founder)
	if err != nil {
		t.Fatalf("create card: %v", err)
	}
	return c
}

func (e *testEnv) activityCount(t *testing.T, cardID string) int {
	t.Helper()
	var n int
	if err := e.Engine.DB.QueryRowContext(e.Ctx, `SELECT count(*) FROM activity WHERE card_id=?`, cardID).Scan(&n); err != nil {
		t.Fatalf("count activity: %v", err)
	}
	return n
}

func TestCreateCardDefaults(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.Engine.CreateCard(env.Ctx, engine.CardCreateOptions{Title: "agent work"}, agentA)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.Status != domain.StatusAgentInbox {
		t.Fatalf("agent-created card should land in Agent Inbox, got %s", c.Status)
	}
	if c.OwnerAgent == nil || *c.OwnerAgent != "agent-a" {
		t.Fatalf("owner should default to the creator")
	}
	if c.Priority != domain.PriorityMedium {
		t.Fatalf("priority should default to Medium, got %s", c.Priority)
	}

	f, err := env.Engine.CreateCard(env.Ctx, engine.CardCreateOptions{Title: "founder work"}, founder)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if f.Status != domain.StatusBacklog {
		t.Fatalf("founder-created card should land in Backlog, got %s", f.Status)
	}

	if _, err := env.Engine.CreateCard(env.Ctx, engine.CardCreateOptions{}, founder); err == nil {
		t.Fatalf("expected title error")
	}
	if _, err := env.Engine.CreateCard(env.Ctx, engine.CardCreateOptions{Title: "x", Status: "Doing"}, founder); err == nil {
		t.Fatalf("expected invalid status error")
	}
}

func TestClaimFirstWins(t *testing.T) {
	env := newTestEnv(t)
	c := env.createUnassigned(t, "race me", domain.StatusToDo)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, actor := range []domain.Actor{agentA, agentB} {
		wg.Add(1)
		go func(i int, actor domain.Actor) {
			defer wg.Done()
			_, errs[i] = env.Engine.Claim(env.Ctx, c.ID, actor)
		}(i, actor)
	}
	wg.Wait()

	var conflicts int
	var winner string
	for i, err := range errs {
		if err == nil {
			continue
		}
		var ce engine.ClaimConflictError
		if !errors.As(err, &ce) {
			t.Fatalf("claim %d: unexpected error %v", i, err)
		}
		conflicts++
		winner = ce.CurrentOwner
	}
	if conflicts != 1 {
		t.Fatalf("expected exactly one losing claim, got %d", conflicts)
	}
	if winner != "agent-a" && winner != "agent-b" {
		t.Fatalf("conflict should name the winning owner, got %q", winner)
	}
	got, err := env.Engine.Repo.GetCard(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("get card: %v", err)
	}
	if got.OwnerAgent == nil || *got.OwnerAgent != winner {
		t.Fatalf("card owner should match the winner")
	}
}

func TestClaimOwnedCardConflicts(t *testing.T) {
	env := newTestEnv(t)
	c := env.createUnassigned(t, "take me", domain.StatusToDo)
	if _, err := env.Engine.Claim(env.Ctx, c.ID, agentA); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	_, err := env.Engine.Claim(env.Ctx, c.ID, agentB)
	var ce engine.ClaimConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected claim conflict, got %v", err)
	}
	if ce.CurrentOwner != "agent-a" {
		t.Fatalf("expected current owner agent-a, got %q", ce.CurrentOwner)
	}
}

func TestMemberClaimDenied(t *testing.T) {
	env := newTestEnv(t)
	c := env.createUnassigned(t, "no members", domain.StatusToDo)
	_, err := env.Engine.Claim(env.Ctx, c.ID, member)
	var ce engine.ClaimConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected claim conflict, got %v", err)
	}
	if ce.CurrentOwner != "" {
		t.Fatalf("role denial carries no owner")
	}
	denied, err := env.Engine.Repo.ListDeniedActivity(env.Ctx)
	if err != nil {
		t.Fatalf("list denied: %v", err)
	}
	if len(denied) != 1 || denied[0].Action != "claim_denied" {
		t.Fatalf("denied claim should be in the ledger, got %+v", denied)
	}
}

func TestWorkflowScenario(t *testing.T) {
	env := newTestEnv(t)
	c := env.createUnassigned(t, "ship feature", domain.StatusToDo)

	// Unassigned: only the founder may touch it.
	title := "renamed"
	_, err := env.Engine.UpdateCard(env.Ctx, engine.CardUpdateOptions{ID: c.ID, Title: &title}, agentA)
	var de policy.DeniedError
	if !errors.As(err, &de) {
		t.Fatalf("expected denial on unassigned update, got %v", err)
	}

	if _, err := env.Engine.Claim(env.Ctx, c.ID, agentA); err != nil {
		t.Fatalf("claim: %v", err)
	}

	res, err := env.Engine.Transition(env.Ctx, c.ID, domain.StatusOngoing, agentA)
	if err != nil {
		t.Fatalf("owner to Ongoing: %v", err)
	}
	if res.FromStatus != domain.StatusToDo || res.ToStatus != domain.StatusOngoing {
		t.Fatalf("unexpected transition %s -> %s", res.FromStatus, res.ToStatus)
	}

	// A non-owner cannot push the card to Review.
	if _, err := env.Engine.Transition(env.Ctx, c.ID, domain.StatusReview, agentB); !errors.As(err, &de) {
		t.Fatalf("expected non-owner denial, got %v", err)
	}

	if _, err := env.Engine.Transition(env.Ctx, c.ID, domain.StatusReview, agentA); err != nil {
		t.Fatalf("owner to Review: %v", err)
	}

	// Even the owning agent cannot finish work.
	_, err = env.Engine.Transition(env.Ctx, c.ID, domain.StatusDone, agentA)
	if !errors.As(err, &de) {
		t.Fatalf("expected founder-only denial, got %v", err)
	}
	if de.FromStatus != domain.StatusReview || de.ToStatus != domain.StatusDone {
		t.Fatalf("denial should carry the attempted move, got %s -> %s", de.FromStatus, de.ToStatus)
	}

	if _, err := env.Engine.Transition(env.Ctx, c.ID, domain.StatusDone, founder); err != nil {
		t.Fatalf("founder to Done: %v", err)
	}

	// create + claim + 3 allowed moves + 3 denials, all on the ledger.
	if n := env.activityCount(t, c.ID); n != 8 {
		t.Fatalf("expected 8 ledger entries, got %d", n)
	}
}

func TestTransitionNoOp(t *testing.T) {
	env := newTestEnv(t)
	c := env.createUnassigned(t, "idle", domain.StatusBacklog)
	before := env.activityCount(t, c.ID)
	env.advance(time.Hour)

	res, err := env.Engine.Transition(env.Ctx, c.ID, domain.StatusBacklog, member)
	if err != nil {
		t.Fatalf("same-status transition should succeed for anyone: %v", err)
	}
	if !res.NoOp {
		t.Fatalf("expected no-op")
	}
	got, err := env.Engine.Repo.GetCard(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UpdatedAt != c.UpdatedAt {
		t.Fatalf("no-op must not bump updated_at")
	}
	if n := env.activityCount(t, c.ID); n != before {
		t.Fatalf("no-op must not add ledger entries")
	}
}

func TestTransitionValidation(t *testing.T) {
	env := newTestEnv(t)
	c := env.createUnassigned(t, "strict", domain.StatusToDo)
	if _, err := env.Engine.Transition(env.Ctx, c.ID, "", founder); err == nil {
		t.Fatalf("expected missing status error")
	}
	if _, err := env.Engine.Transition(env.Ctx, c.ID, "Doing", founder); err == nil {
		t.Fatalf("expected invalid status error")
	}
}

func TestUpdateOwnerAssignmentGate(t *testing.T) {
	env := newTestEnv(t)
	c := env.createUnassigned(t, "assign me", domain.StatusToDo)
	target := "agent-a"

	// The blanket lock stops the member before the assignment gate, but
	// either way a member cannot hand out ownership.
	_, err := env.Engine.UpdateCard(env.Ctx, engine.CardUpdateOptions{
		ID: c.ID, OwnerAgent: &target, OwnerProvided: true,
	}, member)
	var de policy.DeniedError
	if !errors.As(err, &de) {
		t.Fatalf("expected denial, got %v", err)
	}

	got, err := env.Engine.UpdateCard(env.Ctx, engine.CardUpdateOptions{
		ID: c.ID, OwnerAgent: &target, OwnerProvided: true,
	}, founder)
	if err != nil {
		t.Fatalf("founder assigns owner: %v", err)
	}
	if got.OwnerAgent == nil || *got.OwnerAgent != "agent-a" {
		t.Fatalf("owner not applied")
	}

	// Clearing the owner makes the card unassigned again.
	empty := ""
	got, err = env.Engine.UpdateCard(env.Ctx, engine.CardUpdateOptions{
		ID: c.ID, OwnerAgent: &empty, OwnerProvided: true,
	}, founder)
	if err != nil {
		t.Fatalf("clear owner: %v", err)
	}
	if !got.Unassigned() {
		t.Fatalf("empty owner should normalize to unassigned")
	}
}

func TestUpdateWithStatusRunsTransitionRules(t *testing.T) {
	env := newTestEnv(t)
	c := env.createUnassigned(t, "patched", domain.StatusToDo)
	if _, err := env.Engine.Claim(env.Ctx, c.ID, agentA); err != nil {
		t.Fatalf("claim: %v", err)
	}
	desc := "with context"
	got, err := env.Engine.UpdateCard(env.Ctx, engine.CardUpdateOptions{
		ID: c.ID, Description: &desc, Status: domain.StatusOngoing,
	}, agentA)
	if err != nil {
		t.Fatalf("update with status: %v", err)
	}
	if got.Status != domain.StatusOngoing || got.Description != desc {
		t.Fatalf("patch not applied: %+v", got)
	}
	// A denied embedded transition must not commit the other fields.
	title := "sneaky"
	_, err = env.Engine.UpdateCard(env.Ctx, engine.CardUpdateOptions{
		ID: c.ID, Title: &title, Status: domain.StatusDone,
	}, agentA)
	var de policy.DeniedError
	if !errors.As(err, &de) {
		t.Fatalf("expected denial, got %v", err)
	}
	got, _ = env.Engine.Repo.GetCard(env.Ctx, c.ID)
	if got.Title == title {
		t.Fatalf("denied update must not apply any field")
	}
}

func TestDeleteKeepsLedger(t *testing.T) {
	env := newTestEnv(t)
	c := env.createUnassigned(t, "doomed", domain.StatusBacklog)
	if err := env.Engine.DeleteCard(env.Ctx, c.ID, founder); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Engine.Repo.GetCard(env.Ctx, c.ID); err == nil {
		t.Fatalf("card should be gone")
	}
	entries, err := env.Engine.Repo.ListActivity(env.Ctx, 10)
	if err != nil {
		t.Fatalf("list activity: %v", err)
	}
	if len(entries) == 0 || entries[0].Action != "delete" {
		t.Fatalf("delete should be the latest ledger entry, got %+v", entries)
	}
}

func TestComments(t *testing.T) {
	env := newTestEnv(t)
	c := env.createUnassigned(t, "discussed", domain.StatusBacklog)

	if _, err := env.Engine.AddComment(env.Ctx, "missing", "hello", founder); err == nil {
		t.Fatalf("expected not found for unknown card")
	}
	if _, err := env.Engine.AddComment(env.Ctx, c.ID, "", founder); err == nil {
		t.Fatalf("expected content error")
	}

	first, err := env.Engine.AddComment(env.Ctx, c.ID, "first", agentA)
	if err != nil {
		t.Fatalf("comment: %v", err)
	}
	env.advance(time.Minute)
	if _, err := env.Engine.AddComment(env.Ctx, c.ID, "second", founder); err != nil {
		t.Fatalf("comment: %v", err)
	}
	items, err := env.Engine.ListComments(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 || items[0].ID != first.ID {
		t.Fatalf("comments should come back oldest first, got %+v", items)
	}
	if items[0].AuthorID != "agent-a" || items[0].AuthorRole != domain.RoleAgent {
		t.Fatalf("comment should record its author")
	}
	if _, err := env.Engine.ListComments(env.Ctx, "missing"); err == nil {
		t.Fatalf("expected not found for unknown card")
	}
}

func TestReminders(t *testing.T) {
	env := newTestEnv(t)
	past := env.now.Add(-time.Hour).Format(time.RFC3339)
	future := env.now.Add(time.Hour).Format(time.RFC3339)

	overdue, err := env.Engine.CreateCard(env.Ctx, engine.CardCreateOptions{Title: "late", DueDate: &past}, founder)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.Engine.CreateCard(env.Ctx, engine.CardCreateOptions{Title: "on time", DueDate: &future}, founder); err != nil {
		t.Fatalf("create: %v", err)
	}
	done, err := env.Engine.CreateCard(env.Ctx, engine.CardCreateOptions{Title: "done late", Status: domain.StatusOngoing, DueDate: &past}, founder)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.Engine.Transition(env.Ctx, done.ID, domain.StatusDone, founder); err != nil {
		t.Fatalf("to done: %v", err)
	}

	items, err := env.Engine.Reminders(env.Ctx)
	if err != nil {
		t.Fatalf("reminders: %v", err)
	}
	if len(items) != 1 || items[0].ID != overdue.ID {
		t.Fatalf("expected only the overdue open card, got %+v", items)
	}
}
