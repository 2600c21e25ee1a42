package domain

// Workflow stages. AgentInbox is the entry stage for agent-created cards and
// behaves like ToDo: a pre-Ongoing holding stage.
const (
	StatusBacklog    = "Backlog"
	StatusToDo       = "To Do"
	StatusAgentInbox = "Agent Inbox"
	StatusOngoing    = "Ongoing"
	StatusReview     = "Review"
	StatusDone       = "Done"
)

var Statuses = []string{
	StatusBacklog,
	StatusToDo,
	StatusAgentInbox,
	StatusOngoing,
	StatusReview,
	StatusDone,
}

func ValidStatus(s string) bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

// Roles in ascending privilege: member < agent < founder.
const (
	RoleMember  = "member"
	RoleAgent   = "agent"
	RoleFounder = "founder"
)

func ValidRole(r string) bool {
	return r == RoleMember || r == RoleAgent || r == RoleFounder
}

const (
	PriorityHigh   = "High"
	PriorityMedium = "Medium"
	PriorityLow    = "Low"
)

func ValidPriority(p string) bool {
	return p == PriorityHigh || p == PriorityMedium || p == PriorityLow
}

// Card is the unit of work on the board. OwnerAgent is the authoritative
// ownership field; nil means unassigned. Assignee is a legacy display label.
type Card struct {
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

// Unassigned reports whether the card has no owning agent.
func (c Card) Unassigned() bool {
	return c.OwnerAgent == nil || *c.OwnerAgent == ""
}

// ActivityEntry is an immutable audit record, one per mutating operation,
// including denied attempts.
type ActivityEntry struct {
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

// Comment is an immutable note attached to a card. Append-only.
type Comment struct {
	ID         int64  `json:"id"`
	CardID     string `json:"card_id"`
	Content    string `json:"content"`
	AuthorID   string `json:"author_id"`
	AuthorRole string `json:"author_role"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

// Actor is the authenticated identity performing a request. Derived
// per-request, never stored.
type Actor struct {
	AgentID   string `json:"agent_id"`
	AgentRole string `json:"agent_role" enum:"founder,agent,member"`
}

// Owner is the synthetic identity the owner credential maps to.
var Owner = Actor{AgentID: "owner", AgentRole: RoleFounder}
