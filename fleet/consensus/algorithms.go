package consensus

import "strings"

// majority requires a group holding strictly more than half of the weight.
func majority(t *Tally) Verdict {
	if t.Total <= 0 {
		return Verdict{Reason: "zero total weight"}
	}
	leader, _, _ := t.Leader()
	if leader.Weight*2 <= t.Total {
		return Verdict{Reason: "no decision holds a strict majority"}
	}
	return Verdict{Decision: leader.Decision, Confidence: leader.Weight / t.Total, Decided: true}
}

// unanimous requires every vote to agree, zero-weight votes included.
func unanimous(t *Tally) Verdict {
	if t.Total <= 0 {
		return Verdict{Reason: "zero total weight"}
	}
	leader, _, _ := t.Leader()
	if len(t.Groups) > 1 {
		return Verdict{Reason: "votes disagree"}
	}
	return Verdict{Decision: leader.Decision, Confidence: 1, Decided: true}
}

// weighted picks the heaviest group; exact ties go to the lexicographically
// smallest normalised decision.
func weighted(t *Tally) Verdict {
	if t.Total <= 0 {
		return Verdict{Reason: "zero total weight"}
	}
	leader, _, _ := t.Leader()
	return Verdict{Decision: leader.Decision, Confidence: leader.Weight / t.Total, Decided: true}
}

// firstWins adopts the earliest successful vote with its own confidence.
func firstWins(t *Tally) Verdict {
	first := t.Votes[0].Result
	return Verdict{Decision: strings.TrimSpace(first.Content), Confidence: first.Confidence, Decided: true}
}

func humanReview(*Tally) Verdict {
	return Verdict{Reason: "human review requested"}
}
