package incident

import (
	"github.com/FairForge/bulwark/internal/slo"
)

// ReliabilityStatus is the overall control plane verdict
type ReliabilityStatus string

// Reliability statuses, best to worst, plus UNKNOWN when nothing is measured
const (
	ReliabilityOptimal   ReliabilityStatus = "OPTIMAL"
	ReliabilityHealthy   ReliabilityStatus = "HEALTHY"
	ReliabilityDegraded  ReliabilityStatus = "DEGRADED"
	ReliabilityCritical  ReliabilityStatus = "CRITICAL"
	ReliabilityEmergency ReliabilityStatus = "EMERGENCY"
	ReliabilityUnknown   ReliabilityStatus = "UNKNOWN"
)

// ClassAvailability is the mean performance of one criticality class
type ClassAvailability struct {
	Criticality  slo.Criticality `json:"criticality"`
	Availability float64         `json:"availability"`
	SLOs         int             `json:"slos"`
}

// Reliability is the derived overall status
type Reliability struct {
	Status               ReliabilityStatus   `json:"status"`
	WeightedAvailability float64             `json:"weighted_availability"`
	HasData              bool                `json:"has_data"`
	Classes              []ClassAvailability `json:"classes"`
	OpenIncidents        int                 `json:"open_incidents"`
}

var classOrder = []slo.Criticality{
	slo.CriticalityRevenue,
	slo.CriticalityCustomerFacing,
	slo.CriticalityInternal,
}

// DeriveReliability averages SLO performance per criticality class, weights
// the classes and combines the result with the open incident count. SLOs
// without data are ignored; with no data and no incidents the status is
// UNKNOWN.
func DeriveReliability(statuses []slo.Status, openIncidents int) Reliability {
	sums := make(map[slo.Criticality]float64)
	counts := make(map[slo.Criticality]int)
	for _, s := range statuses {
		if !s.HasData {
			continue
		}
		c := normalize(s.Criticality)
		sums[c] += s.Performance
		counts[c]++
	}

	r := Reliability{OpenIncidents: openIncidents, Classes: []ClassAvailability{}}
	var weighted, weights float64
	for _, c := range classOrder {
		n := counts[c]
		if n == 0 {
			continue
		}
		avg := sums[c] / float64(n)
		r.Classes = append(r.Classes, ClassAvailability{Criticality: c, Availability: avg, SLOs: n})
		weighted += avg * c.Weight()
		weights += c.Weight()
	}

	if weights > 0 {
		r.HasData = true
		r.WeightedAvailability = weighted / weights
	}
	r.Status = reliabilityStatus(r.HasData, r.WeightedAvailability, openIncidents)
	return r
}

func normalize(c slo.Criticality) slo.Criticality {
	switch c {
	case slo.CriticalityRevenue, slo.CriticalityCustomerFacing:
		return c
	default:
		return slo.CriticalityInternal
	}
}

func reliabilityStatus(hasData bool, availability float64, open int) ReliabilityStatus {
	if !hasData {
		switch {
		case open >= 5:
			return ReliabilityEmergency
		case open >= 3:
			return ReliabilityCritical
		case open >= 1:
			return ReliabilityDegraded
		default:
			return ReliabilityUnknown
		}
	}

	switch {
	case availability < 95 || open >= 5:
		return ReliabilityEmergency
	case availability < 98 || open >= 3:
		return ReliabilityCritical
	case availability < 99 || open >= 1:
		return ReliabilityDegraded
	case availability < 99.9:
		return ReliabilityHealthy
	default:
		return ReliabilityOptimal
	}
}
