package ledger

// Status is a case lifecycle state.
type Status string

const (
	StatusSubmitted   Status = "submitted"
	StatusDrafted     Status = "drafted"
	StatusUnderReview Status = "under_review"
	StatusApproved    Status = "approved"
	StatusEdited      Status = "edited"
	StatusEscalated   Status = "escalated"
	StatusResolved    Status = "resolved"
	StatusRejected    Status = "rejected"
)

// Event is a command that moves a case between states.
type Event string

const (
	EventDraftProduced Event = "draft_produced"
	EventOpenReview    Event = "open_review"
	EventApprove       Event = "approve"
	EventEdit          Event = "edit"
	EventEscalate      Event = "escalate"
	EventReject        Event = "reject"
	EventFinalize      Event = "finalize"
	EventAttachIssue   Event = "attach_issue"
	EventCloseIssue    Event = "close_issue"
)

// transitions is the only table that moves a case. Anything not listed here
// is refused. attach_issue is a self-loop on escalated: it attaches the
// external issue reference without changing state.
var transitions = map[Status]map[Event]Status{
	StatusSubmitted: {
		EventDraftProduced: StatusDrafted,
	},
	StatusDrafted: {
		EventOpenReview: StatusUnderReview,
	},
	StatusUnderReview: {
		EventApprove:  StatusApproved,
		EventEdit:     StatusEdited,
		EventEscalate: StatusEscalated,
		EventReject:   StatusRejected,
	},
	StatusApproved: {
		EventFinalize: StatusResolved,
	},
	StatusEdited: {
		EventFinalize: StatusResolved,
	},
	StatusEscalated: {
		EventAttachIssue: StatusEscalated,
		EventCloseIssue:  StatusResolved,
	},
}

// Next returns the target state for (from, event), and whether the edge
// exists.
func Next(from Status, event Event) (Status, bool) {
	row, ok := transitions[from]
	if !ok {
		return "", false
	}
	to, ok := row[event]
	return to, ok
}

// Terminal reports whether s is a terminal state. Terminal cases refuse all
// further transitions.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusRejected
}

// ValidEdge reports whether from -> to is reachable by any single event.
// Used to audit persisted history against the table.
func ValidEdge(from, to Status) bool {
	for _, target := range transitions[from] {
		if target == to {
			return true
		}
	}
	return false
}
