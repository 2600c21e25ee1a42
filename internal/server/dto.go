package server

import (
	"agentboard/internal/domain"
)

// Request payloads

type CreateCardRequest struct {
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	Priority    *string `json:"priority,omitempty"`
	Status      *string `json:"status,omitempty"`
	DueDate     *string `json:"due_date,omitempty"`
	Branch      *string `json:"branch,omitempty"`
	Repo        *string `json:"repo,omitempty"`
	Assignee    *string `json:"assignee,omitempty"`
	OwnerAgent  *string `json:"owner_agent,omitempty"`
}

type UpdateCardRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Priority    *string `json:"priority,omitempty"`
	Status      *string `json:"status,omitempty"`
	DueDate     *string `json:"due_date,omitempty"`
	Branch      *string `json:"branch,omitempty"`
	Repo        *string `json:"repo,omitempty"`
	Assignee    *string `json:"assignee,omitempty"`
	OwnerAgent  *string `json:"owner_agent,omitempty"`
}

type TransitionRequest struct {
	Status string `json:"status"`
}

type CommentRequest struct {
	Content string `json:"content"`
}

type SessionRequest struct {
	Password string `json:"password"`
}

// Response payloads

type CardResponse struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Assignee    *string `json:"assignee,omitempty"`
	OwnerAgent  *string `json:"owner_agent,omitempty"`
	Status      string  `json:"status" enum:"Backlog,To Do,Agent Inbox,Ongoing,Review,Done"`
	Priority    string  `json:"priority" enum:"High,Medium,Low"`
	DueDate     *string `json:"due_date,omitempty"`
	Branch      *string `json:"branch,omitempty"`
	Repo        *string `json:"repo,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

type ClaimResponse struct {
	ID         string `json:"id"`
	OwnerAgent string `json:"owner_agent"`
}

type TransitionResponse struct {
	ID         string `json:"id"`
	FromStatus string `json:"from_status"`
	ToStatus   string `json:"to_status"`
}

type CommentResponse struct {
	ID         int64  `json:"id"`
	CardID     string `json:"card_id"`
	Content    string `json:"content"`
	AuthorID   string `json:"author_id"`
	AuthorRole string `json:"author_role"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type ActivityResponse struct {
	ID                int64   `json:"id"`
	TS                string  `json:"ts" format:"date-time"`
	Action            string  `json:"action"`
	CardID            string  `json:"card_id,omitempty"`
	CardTitle         string  `json:"card_title,omitempty"`
	Details           string  `json:"details,omitempty"`
	ActorID           string  `json:"actor_id"`
	ActorRole         string  `json:"actor_role"`
	FromStatus        *string `json:"from_status,omitempty"`
	ToStatus          *string `json:"to_status,omitempty"`
	TransitionAllowed bool    `json:"transition_allowed"`
	DenialReason      *string `json:"denial_reason,omitempty"`
}

type DeleteResponse struct {
	Success bool `json:"success"`
}

type StatsResponse struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
}

type SessionResponse struct {
	Token string `json:"token"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp" format:"date-time"`
	Uptime    int64  `json:"uptime"`
}

func cardResponse(c domain.Card) CardResponse {
	return CardResponse{
		ID:          c.ID,
		Title:       c.Title,
		Description: c.Description,
		Assignee:    c.Assignee,
		OwnerAgent:  c.OwnerAgent,
		Status:      c.Status,
		Priority:    c.Priority,
		DueDate:     c.DueDate,
		Branch:      c.Branch,
		Repo:        c.Repo,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
}

func mapCards(items []domain.Card) []CardResponse {
	res := make([]CardResponse, 0, len(items))
	for _, c := range items {
		res = append(res, cardResponse(c))
	}
	return res
}

func commentResponse(c domain.Comment) CommentResponse {
	return CommentResponse{
		ID:         c.ID,
		CardID:     c.CardID,
		Content:    c.Content,
		AuthorID:   c.AuthorID,
		AuthorRole: c.AuthorRole,
		CreatedAt:  c.CreatedAt,
	}
}

func mapComments(items []domain.Comment) []CommentResponse {
	res := make([]CommentResponse, 0, len(items))
	for _, c := range items {
		res = append(res, commentResponse(c))
	}
	return res
}

func activityResponse(e domain.ActivityEntry) ActivityResponse {
	return ActivityResponse{
		ID:                e.ID,
		TS:                e.TS,
		Action:            e.Action,
		CardID:            e.CardID,
		CardTitle:         e.CardTitle,
		Details:           e.Details,
		ActorID:           e.ActorID,
		ActorRole:         e.ActorRole,
		FromStatus:        e.FromStatus,
		ToStatus:          e.ToStatus,
		TransitionAllowed: e.TransitionAllowed,
		DenialReason:      e.DenialReason,
	}
}

func mapActivity(items []domain.ActivityEntry) []ActivityResponse {
	res := make([]ActivityResponse, 0, len(items))
	for _, e := range items {
		res = append(res, activityResponse(e))
	}
	return res
}
