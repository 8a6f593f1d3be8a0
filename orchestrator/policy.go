package orchestrator

// EvaluatePassed computes the tri-state verdict for a score against an
// optional threshold. With no threshold (or an empty one) the verdict is
// NOT_APPLICABLE. Otherwise every supplied comparator must hold for TRUE.
// Comparisons follow IEEE-754 semantics, so a NaN score fails every supplied
// comparator.
func EvaluatePassed(score float64, threshold *Threshold) PassStatus {
	if threshold.IsEmpty() {
		return PassStatusNotApplicable
	}

	passed := true
	if threshold.LT != nil {
		passed = passed && score < *threshold.LT
	}
	if threshold.LTE != nil {
		passed = passed && score <= *threshold.LTE
	}
	if threshold.GT != nil {
		passed = passed && score > *threshold.GT
	}
	if threshold.GTE != nil {
		passed = passed && score >= *threshold.GTE
	}

	if passed {
		return PassStatusTrue
	}
	return PassStatusFalse
}
