package audit

import (
	"log"
	"time"

	"github.com/ernie/deathwatch/internal/domain"
)

// Reporter surfaces reconciliation failures without flooding the
// collaborators behind the outcome channel. Every failure is audited;
// at most one error outcome per rate-limit window is emitted.
type Reporter struct {
	logger     *Logger
	rateLimit  time.Duration
	emit       func(domain.Outcome)
	lastSentAt time.Time
	now        func() time.Time
}

// NewReporter returns a reporter auditing through logger and emitting
// rate-limited error outcomes through emit (which may be nil).
func NewReporter(logger *Logger, rateLimit time.Duration, emit func(domain.Outcome)) *Reporter {
	return &Reporter{
		logger:    logger,
		rateLimit: rateLimit,
		emit:      emit,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Report records a failure. The audit entry always lands; the outcome
// emission is skipped while the window from the previous one is open.
func (r *Reporter) Report(message string, reportErr error) {
	context := map[string]any{}
	if reportErr != nil {
		context["error"] = reportErr.Error()
	}
	if err := r.logger.Write(Event{Event: domain.OutcomeError, Message: message, Context: context}); err != nil {
		log.Printf("Error writing audit entry: %v", err)
	}

	if r.emit == nil {
		return
	}
	now := r.now()
	if !r.lastSentAt.IsZero() && now.Sub(r.lastSentAt) < r.rateLimit {
		return
	}
	r.lastSentAt = now

	outcome := domain.NewOutcome(domain.OutcomeError)
	outcome.Message = message
	if reportErr != nil {
		outcome.Message = message + ": " + reportErr.Error()
	}
	r.emit(outcome)
}
