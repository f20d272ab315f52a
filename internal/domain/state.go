package domain

// State is an incident lifecycle state.
type State string

const (
	StateDetected           State = "DETECTED"
	StateDiagnosing         State = "DIAGNOSING"
	StateFixProposed        State = "FIX_PROPOSED"
	StateVerifying          State = "VERIFYING"
	StateVerified           State = "VERIFIED"
	StateApplied            State = "APPLIED"
	StateDiagnosisFailed    State = "DIAGNOSIS_FAILED"
	StateNoFixAvailable     State = "NO_FIX_AVAILABLE"
	StateVerificationFailed State = "VERIFICATION_FAILED"
	StateApplyFailed        State = "APPLY_FAILED"
)

// transitions lists every legal edge. VERIFYING -> FIX_PROPOSED is the
// bounded fix-candidate retry and is the only edge that revisits a state.
var transitions = map[State][]State{
	StateDetected:    {StateDiagnosing},
	StateDiagnosing:  {StateFixProposed, StateDiagnosisFailed, StateNoFixAvailable},
	StateFixProposed: {StateVerifying},
	StateVerifying:   {StateVerified, StateVerificationFailed, StateFixProposed},
	StateVerified:    {StateApplied, StateApplyFailed},
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	switch s {
	case StateApplied, StateDiagnosisFailed, StateNoFixAvailable, StateVerificationFailed, StateApplyFailed:
		return true
	}
	return false
}

// Failed reports whether s is a terminal failure state.
func (s State) Failed() bool {
	return s.Terminal() && s != StateApplied
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// FailureStateFor returns the failure state reachable from a non-terminal
// stage, used when a stage aborts unexpectedly.
func FailureStateFor(s State) (State, bool) {
	switch s {
	case StateDiagnosing:
		return StateDiagnosisFailed, true
	case StateVerifying:
		return StateVerificationFailed, true
	case StateVerified:
		return StateApplyFailed, true
	}
	return "", false
}
