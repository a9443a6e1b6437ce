package ceremony

// AggregateStatus derives the ceremony-level status from its request states.
// Pure function: signed counts either real signatures or silent-approve
// timeouts, per the ceremony's completion rule.
func AggregateStatus(c *Ceremony) Status {
	if c.Status == StatusCancelled || c.Status == StatusExpired {
		return c.Status
	}

	satisfied := 0
	for _, r := range c.Requests {
		if r.State == StateSigned {
			satisfied++
			continue
		}
		if r.State == StateTimedOut && r.TimeoutResolution == string(TimeoutSilentApprove) {
			satisfied++
		}
	}

	if ruleSatisfied(c, satisfied) {
		return StatusCompleted
	}
	return StatusInProgress
}

func ruleSatisfied(c *Ceremony, satisfied int) bool {
	total := len(c.Requests)
	if total == 0 {
		return false
	}
	switch c.Rule {
	case RuleAll:
		return satisfied == total
	case RuleCount:
		return c.RuleCount > 0 && satisfied >= c.RuleCount
	case RulePercent:
		return c.RulePercent > 0 && satisfied*100 >= c.RulePercent*total
	default:
		return false
	}
}

// recomputeReadiness promotes requests to READY according to the signing
// order. Sequential ceremonies only open the first unresolved request;
// parallel ceremonies open every pending one. A request gated on peer review
// stays PEER_REVIEW_PENDING until the review clears; it occupies its
// sequential slot while waiting.
func recomputeReadiness(c *Ceremony) {
	if c.Status != StatusInProgress {
		return
	}
	switch c.Order {
	case OrderParallel:
		for _, r := range c.Requests {
			if r.State == StatePending {
				promote(r)
			}
		}
	case OrderSequential:
		for _, r := range c.Requests {
			if r.State.terminal() {
				continue
			}
			if r.State == StatePending {
				promote(r)
			}
			// First unresolved request holds the slot whether it is
			// ready or still awaiting review.
			return
		}
	}
}

func promote(r *SigningRequest) {
	if r.RequireReview {
		r.State = StatePeerReviewPending
		return
	}
	r.State = StateReady
}
