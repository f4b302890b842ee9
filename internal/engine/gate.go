package engine

// ShouldEscalate reports whether the remote tier must run after a local verdict.
// The comparison is strict: a probability equal to threshold is accepted as final.
func ShouldEscalate(local *Verdict, threshold float64) bool {
	return local.Probability < threshold
}
