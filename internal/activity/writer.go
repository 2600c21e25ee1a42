package activity

import (
	"context"
	"database/sql"
	"time"

	"agentboard/internal/domain"
)

// Action kinds recorded in the ledger.
const (
	ActionCreate      = "create"
	ActionUpdate      = "update"
	ActionDelete      = "delete"
	ActionClaim       = "claim"
	ActionClaimDenied = "claim_denied"
	ActionTransition  = "transition"
)

// Writer appends audit rows inside the caller's transaction, so the entry is
// durable exactly when the mutation it describes is.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Entry is one audit row to append. Allowed=false entries must carry a
// DenialReason.
type Entry struct {
	Action       string
	Card         domain.Card
	Details      string
	Actor        domain.Actor
	FromStatus   string
	ToStatus     string
	Allowed      bool
	DenialReason string
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	allowed := 0
	if e.Allowed {
		allowed = 1
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO activity(ts,action,card_id,card_title,details,actor_id,actor_role,from_status,to_status,transition_allowed,denial_reason)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		ts, e.Action, nullable(e.Card.ID), nullable(e.Card.Title), nullable(e.Details),
		e.Actor.AgentID, e.Actor.AgentRole, nullable(e.FromStatus), nullable(e.ToStatus), allowed, nullable(e.DenialReason))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
