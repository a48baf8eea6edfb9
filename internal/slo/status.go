package slo

// Status is a read-only view of one SLO. Performance is meaningful only when
// HasData is true; otherwise the SLO reports "no data".
type Status struct {
	Name          string      `json:"name"`
	Target        float64     `json:"target"`
	Criticality   Criticality `json:"criticality"`
	Performance   float64     `json:"performance"`
	HasData       bool        `json:"has_data"`
	State         string      `json:"state"`
	Severity      Severity    `json:"severity"`
	Measurements  int         `json:"measurements"`
	OpenViolation *Violation  `json:"open_violation,omitempty"`
	Budget        *Budget     `json:"budget,omitempty"`
}

// Status states
const (
	StateNoData    = "no_data"
	StateMeeting   = "meeting"
	StateAtRisk    = "at_risk"
	StateViolating = "violating"
)

// Status reports the SLO without mutating any window or violation
func (r *Registry) Status(name string) (Status, error) {
	st, err := r.state(name)
	if err != nil {
		return Status{}, err
	}

	st.mu.Lock()
	window := st.liveWindow(r.clock.Now())
	perf, ok := aggregate(st.def.Aggregation, window)
	var open *Violation
	if st.open != nil {
		v := *st.open
		open = &v
	}
	def := st.def
	st.mu.Unlock()

	s := Status{
		Name:          def.Name,
		Target:        def.Target,
		Criticality:   def.Criticality,
		Measurements:  len(window),
		OpenViolation: open,
		State:         StateNoData,
	}
	if !ok {
		return s, nil
	}

	s.Performance = perf
	s.HasData = true
	s.Severity = def.Classify(perf)
	switch {
	case s.Severity != SeverityNone:
		s.State = StateViolating
	case perf < def.Target:
		s.State = StateAtRisk
	default:
		s.State = StateMeeting
	}
	return s, nil
}

// StatusWithBudget attaches the tracker's last computed budget
func StatusWithBudget(s Status, tracker *BudgetTracker) Status {
	if tracker == nil {
		return s
	}
	if b, ok := tracker.Get(s.Name); ok {
		s.Budget = &b
	}
	return s
}
