package incident

// ErrorRateThresholds map observed error percentages onto severities
type ErrorRateThresholds struct {
	P1 float64 `yaml:"p1" json:"p1"`
	P2 float64 `yaml:"p2" json:"p2"`
	P3 float64 `yaml:"p3" json:"p3"`
}

// Classifier assigns an initial severity to a signal
type Classifier struct {
	RevenueCritical []string
	CustomerFacing  []string
	// BroadImpact is the service count above which an incident is P2
	BroadImpact int
	ErrorRate   ErrorRateThresholds
}

// DefaultClassifier has no service sets, P2 above three services and
// error-rate thresholds of 50/20/5 percent
func DefaultClassifier() Classifier {
	return Classifier{
		BroadImpact: 3,
		ErrorRate:   ErrorRateThresholds{P1: 50, P2: 20, P3: 5},
	}
}

// Classification is the result of Classify
type Classification struct {
	Severity       Severity
	RevenueImpact  bool
	CustomerImpact bool
}

// Classify takes the most severe of every rule that applies, never below
// the signal's own floor or P4
func (c Classifier) Classify(sig Signal) Classification {
	out := Classification{
		Severity:       SeverityP4,
		RevenueImpact:  sig.RevenueImpact || overlaps(c.RevenueCritical, sig.Services),
		CustomerImpact: sig.CustomerImpact || overlaps(c.CustomerFacing, sig.Services),
	}
	raise := func(s Severity) {
		if s > out.Severity {
			out.Severity = s
		}
	}

	if out.RevenueImpact {
		raise(SeverityP1)
	}
	if c.BroadImpact > 0 && len(sig.Services) > c.BroadImpact {
		raise(SeverityP2)
	}
	if out.CustomerImpact {
		raise(SeverityP2)
	}

	switch rate := sig.ErrorRate; {
	case c.ErrorRate.P1 > 0 && rate >= c.ErrorRate.P1:
		raise(SeverityP1)
	case c.ErrorRate.P2 > 0 && rate >= c.ErrorRate.P2:
		raise(SeverityP2)
	case c.ErrorRate.P3 > 0 && rate >= c.ErrorRate.P3:
		raise(SeverityP3)
	}

	raise(sig.Severity)
	return out
}

func overlaps(set, services []string) bool {
	for _, s := range services {
		for _, m := range set {
			if s == m {
				return true
			}
		}
	}
	return false
}
