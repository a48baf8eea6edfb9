package incident

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifier_Classify(t *testing.T) {
	c := DefaultClassifier()
	c.RevenueCritical = []string{"payments", "checkout"}
	c.CustomerFacing = []string{"search", "web"}

	tests := []struct {
		name     string
		sig      Signal
		severity Severity
		revenue  bool
		customer bool
	}{
		{name: "internal service defaults to P4", sig: Signal{Services: []string{"batch"}}, severity: SeverityP4},
		{name: "revenue critical membership", sig: Signal{Services: []string{"batch", "payments"}}, severity: SeverityP1, revenue: true},
		{name: "customer facing membership", sig: Signal{Services: []string{"web"}}, severity: SeverityP2, customer: true},
		{name: "more than three services", sig: Signal{Services: []string{"a", "b", "c", "d"}}, severity: SeverityP2},
		{name: "exactly three services", sig: Signal{Services: []string{"a", "b", "c"}}, severity: SeverityP4},
		{name: "error rate P3", sig: Signal{ErrorRate: 5}, severity: SeverityP3},
		{name: "error rate P2", sig: Signal{ErrorRate: 20}, severity: SeverityP2},
		{name: "error rate P1", sig: Signal{ErrorRate: 75}, severity: SeverityP1},
		{name: "revenue flag on signal", sig: Signal{RevenueImpact: true}, severity: SeverityP1, revenue: true},
		{name: "floor wins when higher", sig: Signal{Severity: SeverityP2}, severity: SeverityP2},
		{name: "floor loses when lower", sig: Signal{Services: []string{"checkout"}, Severity: SeverityP3}, severity: SeverityP1, revenue: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.sig)
			assert.Equal(t, tt.severity, got.Severity)
			assert.Equal(t, tt.revenue, got.RevenueImpact)
			assert.Equal(t, tt.customer, got.CustomerImpact)
		})
	}
}

func TestParseSeverity(t *testing.T) {
	s, err := ParseSeverity("p2")
	assert.NoError(t, err)
	assert.Equal(t, SeverityP2, s)
	assert.True(t, SeverityP1 > SeverityP4)

	_, err = ParseSeverity("sev0")
	assert.Error(t, err)

	var parsed Severity
	assert.NoError(t, parsed.UnmarshalText([]byte("P1")))
	assert.Equal(t, "P1", parsed.String())
}

func TestProcedure_Validate(t *testing.T) {
	assert.NoError(t, DefaultProcedure().Validate())

	tests := map[string]Procedure{
		"no levels": {},
		"no channels": {Levels: []Level{
			{Name: "a", After: time.Minute},
		}},
		"out of order": {Levels: []Level{
			{Name: "a", After: 10 * time.Minute, Channels: []string{"pager"}},
			{Name: "b", After: 5 * time.Minute, Channels: []string{"pager"}},
		}},
		"negative": {Levels: []Level{
			{Name: "a", After: -time.Minute, Channels: []string{"pager"}},
		}},
	}
	for name, p := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, p.Validate())
		})
	}
}
