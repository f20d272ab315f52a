package domain

import "time"

// Recommendation is the verdict a verification run attaches to its result.
type Recommendation string

const (
	RecommendApply        Recommendation = "APPLY"
	RecommendReject       Recommendation = "REJECT"
	RecommendInconclusive Recommendation = "INCONCLUSIVE"
)

// CheckStatus is the outcome of a single verification check.
type CheckStatus string

const (
	CheckPassed       CheckStatus = "passed"
	CheckFailed       CheckStatus = "failed"
	CheckInconclusive CheckStatus = "inconclusive"
)

// CheckResult is per-check evidence.
type CheckResult struct {
	Name     string        `json:"name"`
	Required bool          `json:"required"`
	Status   CheckStatus   `json:"status"`
	Evidence []string      `json:"evidence,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// VerificationResult is the outcome of running a check suite against one
// shadow environment.
type VerificationResult struct {
	IncidentID         string         `json:"incident_id"`
	EnvironmentID      string         `json:"environment_id"`
	FixID              string         `json:"fix_id"`
	FixDigest          string         `json:"fix_digest,omitempty"`
	Passed             bool           `json:"passed"`
	ChecksRun          int            `json:"checks_run"`
	ChecksPassed       int            `json:"checks_passed"`
	ChecksFailed       int            `json:"checks_failed"`
	ChecksInconclusive int            `json:"checks_inconclusive"`
	Checks             []CheckResult  `json:"checks"`
	Duration           time.Duration  `json:"duration"`
	Recommendation     Recommendation `json:"recommendation"`
	CompletedAt        time.Time      `json:"completed_at"`
	Signature          string         `json:"signature,omitempty"`
}

// Recommend applies the gate policy to a set of check results: REJECT if any
// required check failed, INCONCLUSIVE if any required check did not complete
// (or no required check exists), APPLY otherwise.
func Recommend(checks []CheckResult) Recommendation {
	required, inconclusive := 0, false
	for _, c := range checks {
		if !c.Required {
			continue
		}
		required++
		switch c.Status {
		case CheckFailed:
			return RecommendReject
		case CheckInconclusive:
			inconclusive = true
		}
	}
	if inconclusive || required == 0 {
		return RecommendInconclusive
	}
	return RecommendApply
}

// Tally fills the counters and verdict of r from r.Checks.
func (r *VerificationResult) Tally() {
	r.ChecksRun, r.ChecksPassed, r.ChecksFailed, r.ChecksInconclusive = 0, 0, 0, 0
	for _, c := range r.Checks {
		switch c.Status {
		case CheckPassed:
			r.ChecksPassed++
			r.ChecksRun++
		case CheckFailed:
			r.ChecksFailed++
			r.ChecksRun++
		case CheckInconclusive:
			r.ChecksInconclusive++
		}
	}
	r.Recommendation = Recommend(r.Checks)
	r.Passed = r.Recommendation == RecommendApply
}
