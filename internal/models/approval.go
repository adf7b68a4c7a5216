package models

import "time"

// TicketStatus is the lifecycle state of an approval ticket.
type TicketStatus string

const (
	TicketPending  TicketStatus = "pending"
	TicketApproved TicketStatus = "approved"
	TicketRejected TicketStatus = "rejected"
	TicketExpired  TicketStatus = "expired"
)

// Terminal reports whether no further transition is possible.
func (s TicketStatus) Terminal() bool {
	return s != TicketPending
}

// ApprovalAction is what a human decided for a ticket.
type ApprovalAction string

const (
	ActionApprove ApprovalAction = "approve"
	ActionReject  ApprovalAction = "reject"
)

// ApprovalTicket gates execution of one tool call on a human decision.
type ApprovalTicket struct {
	ID         string             `json:"id"`
	Request    ToolCallRequest    `json:"request"`
	Decision   PermissionDecision `json:"decision"`
	Status     TicketStatus       `json:"status"`
	CreatedAt  time.Time          `json:"createdAt"`
	ExpiresAt  time.Time          `json:"expiresAt"`
	ResolvedAt *time.Time         `json:"resolvedAt,omitempty"`
	ResolvedBy string             `json:"resolvedBy,omitempty"`
	// Result is attached after an approved ticket has been executed.
	Result *ToolCallResponse `json:"result,omitempty"`
}
