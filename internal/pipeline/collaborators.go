package pipeline

import (
	"context"
	"log"

	"github.com/google/uuid"

	"caseline/internal/domain"
)

// Analysis is the typed outcome of the decision stage: what to do next and
// how sure the analyzer is.
type Analysis struct {
	ActionType    string
	Confidence    float64
	DraftSubject  string
	DraftBody     string
	ReasoningJSON string
	RequiresHuman bool
	// FeeCents is set when the analyzer found a fee quote in the
	// correspondence; negotiate_fee proposals must carry one.
	FeeCents int
}

// AnalyzeRequest is everything the analyzer may look at. Failures carries the
// rejection reasons from earlier chain attempts so the analyzer can correct
// course.
type AnalyzeRequest struct {
	Case           domain.Case
	LatestInbound  *domain.Message
	Trigger        string
	AdjustmentNote string
	Failures       []string
}

// Analyzer produces the candidate next action for a case. Implementations
// are fallible and may be slow; the chain bounds retries.
type Analyzer interface {
	Analyze(ctx context.Context, req AnalyzeRequest) (Analysis, error)
}

// Delivery is one outbound correspondence item ready to send.
type Delivery struct {
	Case     domain.Case
	Proposal domain.Proposal
}

// Deliverer performs the real side effects. Not idempotent; always wrapped
// by an execution claim.
type Deliverer interface {
	// Send transmits correspondence and returns the provider's message id.
	Send(ctx context.Context, d Delivery) (string, error)
	// CreatePortalTask opens a submission task on an agency portal and
	// returns its URL.
	CreatePortalTask(ctx context.Context, d Delivery) (string, error)
}

// Suspender is notified when a proposal gates so an external surface can
// route the resume token to a human. The token is already persisted before
// Suspend is called; a failing suspender does not lose the gate.
type Suspender interface {
	Suspend(ctx context.Context, c domain.Case, p domain.Proposal, token string) error
}

// NopSuspender gates silently; operators find pending reviews by listing
// cases with requires_human.
type NopSuspender struct{}

func (NopSuspender) Suspend(context.Context, domain.Case, domain.Proposal, string) error {
	return nil
}

// LogDeliverer is the local stand-in for a real provider integration: it
// logs the correspondence and fabricates provider ids. Useful for CLI-only
// workspaces and tests; production deployments plug in a real Deliverer.
type LogDeliverer struct {
	Logger *log.Logger
}

func (d LogDeliverer) logger() *log.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return log.Default()
}

func (d LogDeliverer) Send(_ context.Context, dl Delivery) (string, error) {
	id := "local-" + uuid.NewString()
	d.logger().Printf("deliver %s for case %s (%s): %s", dl.Proposal.ActionType, dl.Case.ID, id, dl.Proposal.DraftSubject)
	return id, nil
}

func (d LogDeliverer) CreatePortalTask(_ context.Context, dl Delivery) (string, error) {
	url := "local://portal/" + dl.Case.ID
	d.logger().Printf("portal task for case %s: %s", dl.Case.ID, url)
	return url, nil
}
