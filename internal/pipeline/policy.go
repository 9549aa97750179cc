package pipeline

import (
	"fmt"

	"caseline/internal/config"
	"caseline/internal/domain"
)

// ValidateDecision is the pure policy check applied to every candidate in
// the decision chain. A nil return means the candidate may proceed; a
// policyViolation means the chain falls through to the next candidate.
func ValidateDecision(cfg *config.Config, caseStatus string, a Analysis) error {
	if !domain.KnownActionType(a.ActionType) {
		return policyViolation{reason: fmt.Sprintf("unknown action type %q", a.ActionType)}
	}
	allowed, ok := cfg.Decision.AllowedActions[caseStatus]
	if !ok {
		return policyViolation{reason: fmt.Sprintf("no actions allowed in status %s", caseStatus)}
	}
	if !containsString(allowed, a.ActionType) {
		return policyViolation{reason: fmt.Sprintf("action %s not allowed in status %s", a.ActionType, caseStatus)}
	}
	if a.Confidence < 0 || a.Confidence > 1 {
		return policyViolation{reason: fmt.Sprintf("confidence %.2f out of range", a.Confidence)}
	}
	if a.ActionType == domain.ActionNegotiateFee && a.FeeCents <= 0 {
		return policyViolation{reason: "negotiate_fee without a fee amount"}
	}
	return nil
}

// RequiresHumanGate decides whether a validated candidate must pause for
// approval instead of auto-executing. Pure.
func RequiresHumanGate(cfg *config.Config, a Analysis) (bool, string) {
	if a.RequiresHuman {
		return true, domain.PauseLowConfidence
	}
	if containsString(cfg.Decision.HumanRequiredActions, a.ActionType) {
		return true, pauseReasonForAction(a.ActionType)
	}
	if a.Confidence < cfg.Decision.ConfidenceFloor {
		return true, domain.PauseLowConfidence
	}
	if a.FeeCents > 0 && a.FeeCents > cfg.Decision.FeeThresholdCents {
		return true, domain.PauseFeeQuote
	}
	if a.ActionType == domain.ActionEscalate {
		return true, domain.PauseUnspecified
	}
	return false, ""
}

func pauseReasonForAction(action string) string {
	switch action {
	case domain.ActionNegotiateFee:
		return domain.PauseFeeQuote
	case domain.ActionAppealDenial:
		return domain.PauseDenialReview
	default:
		return domain.PauseUnspecified
	}
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
