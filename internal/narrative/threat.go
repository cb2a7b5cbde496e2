package narrative

// ThreatLevel buckets a narrative score into the band analysts triage by.
func ThreatLevel(score float64) string {
	switch {
	case score >= 0.9:
		return "critical"
	case score >= 0.7:
		return "high"
	case score >= 0.5:
		return "medium"
	default:
		return "low"
	}
}
