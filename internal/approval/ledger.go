// Package approval tracks tickets that gate high-risk tool calls on a human
// decision. The ledger is the single source of truth for a parked call; no
// execution context is held open while a ticket waits.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"McpHost/internal/models"
)

var (
	ErrTicketNotFound = errors.New("approval ticket not found")
	ErrTicketExpired  = errors.New("approval ticket expired")
	ErrTicketResolved = errors.New("approval ticket already resolved")
	ErrInvalidAction  = errors.New("invalid approval action")
	ErrResultAttached = errors.New("approval ticket already has a result")
)

// DefaultTimeout is how long a ticket stays pending.
const DefaultTimeout = 5 * time.Minute

// Ledger is safe for concurrent use. Each ticket makes exactly one terminal
// transition; whichever caller observes it pending first wins.
type Ledger struct {
	mu        sync.Mutex
	timeout   time.Duration
	retention time.Duration
	now       func() time.Time
	newID     func() string
	logger    zerolog.Logger

	pending map[string]*models.ApprovalTicket
	// history keeps terminal tickets for polling until retention elapses.
	history map[string]*models.ApprovalTicket
}

// Option customizes a Ledger.
type Option func(*Ledger)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithIDGenerator replaces the uuid generator.
func WithIDGenerator(gen func() string) Option {
	return func(l *Ledger) { l.newID = gen }
}

// WithHistoryRetention sets how long resolved tickets stay readable.
func WithHistoryRetention(d time.Duration) Option {
	return func(l *Ledger) { l.retention = d }
}

// WithLogger sets the ledger logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// NewLedger creates a ledger; a non-positive timeout uses DefaultTimeout.
func NewLedger(timeout time.Duration, opts ...Option) *Ledger {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	l := &Ledger{
		timeout:   timeout,
		retention: 15 * time.Minute,
		now:       time.Now,
		newID:     uuid.NewString,
		logger:    zerolog.Nop(),
		pending:   make(map[string]*models.ApprovalTicket),
		history:   make(map[string]*models.ApprovalTicket),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Create parks a request. ExpiresAt is exactly CreatedAt plus the timeout.
func (l *Ledger) Create(req models.ToolCallRequest, decision models.PermissionDecision) models.ApprovalTicket {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	ticket := &models.ApprovalTicket{
		ID:        l.newID(),
		Request:   req,
		Decision:  decision,
		Status:    models.TicketPending,
		CreatedAt: now,
		ExpiresAt: now.Add(l.timeout),
	}
	l.pending[ticket.ID] = ticket

	l.logger.Info().
		Str("approval_id", ticket.ID).
		Str("request_id", req.RequestID).
		Str("tool", req.ToolName).
		Str("risk", string(decision.RiskLevel)).
		Time("expires_at", ticket.ExpiresAt).
		Msg("approval ticket created")
	return *ticket
}

// Resolve applies a human decision. It fails for unknown, terminal or
// expired tickets; a ticket found past its expiry is marked expired.
func (l *Ledger) Resolve(id string, action models.ApprovalAction, actor string) (models.ApprovalTicket, error) {
	var status models.TicketStatus
	switch action {
	case models.ActionApprove:
		status = models.TicketApproved
	case models.ActionReject:
		status = models.TicketRejected
	default:
		return models.ApprovalTicket{}, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	ticket, ok := l.pending[id]
	if !ok {
		return l.terminalErrorLocked(id)
	}

	now := l.now()
	if l.expiredLocked(ticket, now) {
		l.expireLocked(ticket, now)
		return *ticket, fmt.Errorf("%w: %s", ErrTicketExpired, id)
	}

	resolvedAt := now
	ticket.Status = status
	ticket.ResolvedAt = &resolvedAt
	ticket.ResolvedBy = actor
	l.retireLocked(ticket)
	return *ticket, nil
}

// ListPending returns live tickets oldest first, expiring stale ones on the way.
func (l *Ledger) ListPending() []models.ApprovalTicket {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	out := make([]models.ApprovalTicket, 0, len(l.pending))
	for _, ticket := range l.pending {
		if l.expiredLocked(ticket, now) {
			l.expireLocked(ticket, now)
			continue
		}
		out = append(out, *ticket)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Get returns a pending or recently resolved ticket.
func (l *Ledger) Get(id string) (models.ApprovalTicket, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ticket, ok := l.pending[id]; ok {
		now := l.now()
		if l.expiredLocked(ticket, now) {
			l.expireLocked(ticket, now)
		}
		return *ticket, nil
	}
	if ticket, ok := l.history[id]; ok {
		return *ticket, nil
	}
	return models.ApprovalTicket{}, fmt.Errorf("%w: %s", ErrTicketNotFound, id)
}

// Complete attaches the execution outcome to a resolved ticket so a poller
// can pick it up. The result is set once; the ticket's status and
// resolution fields are never touched.
func (l *Ledger) Complete(id string, result models.ToolCallResponse) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ticket, ok := l.history[id]
	if !ok || !ticket.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrTicketNotFound, id)
	}
	if ticket.Result != nil {
		return fmt.Errorf("%w: %s", ErrResultAttached, id)
	}
	ticket.Result = &result
	return nil
}

// Sweep expires overdue tickets and forgets history past retention. It
// returns the number of tickets it expired.
func (l *Ledger) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	expired := 0
	for _, ticket := range l.pending {
		if l.expiredLocked(ticket, now) {
			l.expireLocked(ticket, now)
			expired++
		}
	}
	for id, ticket := range l.history {
		if ticket.ResolvedAt != nil && now.Sub(*ticket.ResolvedAt) > l.retention {
			delete(l.history, id)
		}
	}
	if expired > 0 {
		l.logger.Info().Int("expired", expired).Msg("approval sweep")
	}
	return expired
}

// Run sweeps every interval until ctx is done.
func (l *Ledger) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// PendingCount reports live tickets without triggering expiry.
func (l *Ledger) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

func (l *Ledger) expiredLocked(ticket *models.ApprovalTicket, now time.Time) bool {
	return !now.Before(ticket.ExpiresAt)
}

func (l *Ledger) expireLocked(ticket *models.ApprovalTicket, now time.Time) {
	resolvedAt := now
	ticket.Status = models.TicketExpired
	ticket.ResolvedAt = &resolvedAt
	l.retireLocked(ticket)
	l.logger.Info().
		Str("approval_id", ticket.ID).
		Str("tool", ticket.Request.ToolName).
		Msg("approval ticket expired")
}

func (l *Ledger) retireLocked(ticket *models.ApprovalTicket) {
	delete(l.pending, ticket.ID)
	l.history[ticket.ID] = ticket
}

func (l *Ledger) terminalErrorLocked(id string) (models.ApprovalTicket, error) {
	ticket, ok := l.history[id]
	if !ok {
		return models.ApprovalTicket{}, fmt.Errorf("%w: %s", ErrTicketNotFound, id)
	}
	switch {
	case !ticket.Status.Terminal():
		return *ticket, fmt.Errorf("%w: %s", ErrTicketNotFound, id)
	case ticket.Status == models.TicketExpired:
		return *ticket, fmt.Errorf("%w: %s", ErrTicketExpired, id)
	}
	return *ticket, fmt.Errorf("%w: %s", ErrTicketResolved, id)
}
