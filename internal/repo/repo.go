package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"agentboard/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const cardColumns = `id,title,description,assignee,owner_agent,status,priority,due_date,branch,repo,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCard(row rowScanner) (domain.Card, error) {
	var c domain.Card
	var description, assignee, owner, dueDate, branch, repoName sql.NullString
	err := row.Scan(&c.ID, &c.Title, &description, &assignee, &owner, &c.Status, &c.Priority, &dueDate, &branch, &repoName, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if description.Valid {
		c.Description = description.String
	}
	if assignee.Valid && assignee.String != "" {
		c.Assignee = &assignee.String
	}
	if owner.Valid && owner.String != "" {
		c.OwnerAgent = &owner.String
	}
	if dueDate.Valid && dueDate.String != "" {
		c.DueDate = &dueDate.String
	}
	if branch.Valid && branch.String != "" {
		c.Branch = &branch.String
	}
	if repoName.Valid && repoName.String != "" {
		c.Repo = &repoName.String
	}
	return c, nil
}

func (r Repo) GetCard(ctx context.Context, id string) (domain.Card, error) {
	return scanCard(r.DB.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE id=?`, id))
}

// GetCardTx reads a card inside an open transaction, so the caller observes
// its own uncommitted writes.
func (r Repo) GetCardTx(ctx context.Context, tx *sql.Tx, id string) (domain.Card, error) {
	return scanCard(tx.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE id=?`, id))
}

// ListCards returns cards newest first, optionally filtered by status.
func (r Repo) ListCards(ctx context.Context, statusFilter string) ([]domain.Card, error) {
	query := `SELECT ` + cardColumns + ` FROM cards`
	var args []any
	if statusFilter != "" {
		query += ` WHERE status=?`
		args = append(args, statusFilter)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// ListDueCards returns cards whose due date has passed and which are not Done.
func (r Repo) ListDueCards(ctx context.Context, now string) ([]domain.Card, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+cardColumns+` FROM cards WHERE due_date IS NOT NULL AND due_date <= ? AND status != ? ORDER BY due_date ASC`,
		now, domain.StatusDone)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) InsertCard(ctx context.Context, tx *sql.Tx, c domain.Card) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO cards(`+cardColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Title, nullable(c.Description), nullableStringPtr(c.Assignee), nullableStringPtr(c.OwnerAgent),
		c.Status, c.Priority, nullableStringPtr(c.DueDate), nullableStringPtr(c.Branch), nullableStringPtr(c.Repo),
		c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) UpdateCard(ctx context.Context, tx *sql.Tx, c domain.Card) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE cards SET title=?, description=?, assignee=?, owner_agent=?, status=?, priority=?, due_date=?, branch=?, repo=?, updated_at=? WHERE id=?`,
		c.Title, nullable(c.Description), nullableStringPtr(c.Assignee), nullableStringPtr(c.OwnerAgent),
		c.Status, c.Priority, nullableStringPtr(c.DueDate), nullableStringPtr(c.Branch), nullableStringPtr(c.Repo),
		c.UpdatedAt, c.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimOwner is the check-and-set at the heart of first-claim-wins: the write
// only lands if the card is still unowned. Returns false when another claimer
// already won.
func (r Repo) ClaimOwner(ctx context.Context, tx *sql.Tx, cardID, agentID, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE cards SET owner_agent=?, updated_at=? WHERE id=? AND (owner_agent IS NULL OR owner_agent='')`,
		agentID, updatedAt, cardID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) DeleteCard(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM cards WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountCardsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM cards GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for _, s := range domain.Statuses {
		counts[s] = 0
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (r Repo) InsertComment(ctx context.Context, tx *sql.Tx, c domain.Comment) (domain.Comment, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO comments(card_id,content,author_id,author_role,created_at) VALUES (?,?,?,?,?)`,
		c.CardID, c.Content, c.AuthorID, c.AuthorRole, c.CreatedAt)
	if err != nil {
		return c, err
	}
	c.ID, err = res.LastInsertId()
	return c, err
}

// ListComments returns a card's comments oldest first.
func (r Repo) ListComments(ctx context.Context, cardID string) ([]domain.Comment, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,card_id,content,author_id,author_role,created_at FROM comments WHERE card_id=? ORDER BY created_at ASC, id ASC`, cardID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Comment
	for rows.Next() {
		var c domain.Comment
		if err := rows.Scan(&c.ID, &c.CardID, &c.Content, &c.AuthorID, &c.AuthorRole, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

const activityColumns = `id,ts,action,card_id,card_title,details,actor_id,actor_role,from_status,to_status,transition_allowed,denial_reason`

func scanActivity(rows *sql.Rows) (domain.ActivityEntry, error) {
	var e domain.ActivityEntry
	var cardID, cardTitle, details, fromStatus, toStatus, denial sql.NullString
	var allowed int
	err := rows.Scan(&e.ID, &e.TS, &e.Action, &cardID, &cardTitle, &details, &e.ActorID, &e.ActorRole, &fromStatus, &toStatus, &allowed, &denial)
	if err != nil {
		return e, err
	}
	e.CardID = cardID.String
	e.CardTitle = cardTitle.String
	e.Details = details.String
	e.TransitionAllowed = allowed != 0
	if fromStatus.Valid {
		e.FromStatus = &fromStatus.String
	}
	if toStatus.Valid {
		e.ToStatus = &toStatus.String
	}
	if denial.Valid {
		e.DenialReason = &denial.String
	}
	return e, nil
}

// ListActivity returns the most recent entries, newest first.
func (r Repo) ListActivity(ctx context.Context, limit int) ([]domain.ActivityEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.queryActivity(ctx, `SELECT `+activityColumns+` FROM activity ORDER BY id DESC LIMIT ?`, limit)
}

// ListDeniedActivity returns all denied operations, newest first.
func (r Repo) ListDeniedActivity(ctx context.Context) ([]domain.ActivityEntry, error) {
	return r.queryActivity(ctx, `SELECT `+activityColumns+` FROM activity WHERE transition_allowed=0 ORDER BY id DESC`)
}

// LatestActivityID returns the newest ledger row id, 0 when the ledger is
// empty.
func (r Repo) LatestActivityID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM activity`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// ActivityAfter returns entries with id greater than cursor, oldest first.
// Used by the webhook dispatcher.
func (r Repo) ActivityAfter(ctx context.Context, limit int, afterID int64) ([]domain.ActivityEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryActivity(ctx, `SELECT `+activityColumns+` FROM activity WHERE id > ? ORDER BY id ASC LIMIT ?`, afterID, limit)
}

func (r Repo) queryActivity(ctx context.Context, query string, args ...any) ([]domain.ActivityEntry, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActivityEntry
	for rows.Next() {
		e, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
