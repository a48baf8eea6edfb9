package runbooks

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/FairForge/bulwark/internal/clock"
	"github.com/FairForge/bulwark/internal/errs"
	"github.com/FairForge/bulwark/internal/incident"
	"go.uber.org/zap"
)

// Repository is an immutable set of runbooks. Reloads build a new
// Repository with the next revision.
type Repository struct {
	revision int
	runbooks map[string]Runbook
}

// NewRepository validates the runbooks and rejects duplicate ids
func NewRepository(runbooks ...Runbook) (*Repository, error) {
	repo := &Repository{runbooks: make(map[string]Runbook, len(runbooks))}
	for _, rb := range runbooks {
		rb = rb.clone()
		if err := rb.Validate(); err != nil {
			return nil, err
		}
		if prev, exists := repo.runbooks[rb.ID]; exists {
			return nil, fmt.Errorf("runbook %s: duplicate id (also in %q)", rb.ID, prev.Source)
		}
		repo.runbooks[rb.ID] = rb
	}
	return repo, nil
}

// Revision counts reloads since startup
func (r *Repository) Revision() int {
	return r.revision
}

// Len returns the number of runbooks
func (r *Repository) Len() int {
	return len(r.runbooks)
}

// Get returns a runbook by id
func (r *Repository) Get(id string) (Runbook, bool) {
	rb, ok := r.runbooks[id]
	if !ok {
		return Runbook{}, false
	}
	return rb.clone(), true
}

// List returns every runbook sorted by id
func (r *Repository) List() []Runbook {
	out := make([]Runbook, 0, len(r.runbooks))
	for _, rb := range r.runbooks {
		out = append(out, rb.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindApplicable returns the runbooks for an incident type, exact type
// matches before pattern matches and by id within each group. An unset
// severity matches every runbook; business must contain each key a runbook's
// Context requires.
func (r *Repository) FindApplicable(incidentType string, severity incident.Severity, business map[string]string) []Runbook {
	type ranked struct {
		rank int
		rb   Runbook
	}

	var hits []ranked
	for _, rb := range r.runbooks {
		rank := rb.match(incidentType)
		if rank < 0 || !rb.appliesTo(severity, business) {
			continue
		}
		hits = append(hits, ranked{rank: rank, rb: rb})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].rank != hits[j].rank {
			return hits[i].rank < hits[j].rank
		}
		return hits[i].rb.ID < hits[j].rb.ID
	})

	out := make([]Runbook, len(hits))
	for i, h := range hits {
		out[i] = h.rb.clone()
	}
	return out
}

// StepResult is the structured outcome of ExecuteStep. It describes what the
// operator should do; nothing has been run.
type StepResult struct {
	RunbookID  string    `json:"runbook_id"`
	Version    int       `json:"version"`
	IncidentID string    `json:"incident_id,omitempty"`
	Actor      string    `json:"actor"`
	Step       Step      `json:"step"`
	Total      int       `json:"total"`
	Next       int       `json:"next,omitempty"`
	Advisory   bool      `json:"advisory"`
	At         time.Time `json:"at"`
}

// Library serves the current Repository and swaps in reloads atomically
type Library struct {
	current atomic.Pointer[Repository]
	clock   clock.Clock
	logger  *zap.Logger
}

// LibraryOption configures a Library
type LibraryOption func(*Library)

// WithClock sets the time source
func WithClock(c clock.Clock) LibraryOption {
	return func(l *Library) {
		l.clock = c
	}
}

// WithLogger adds logging
func WithLogger(logger *zap.Logger) LibraryOption {
	return func(l *Library) {
		l.logger = logger
	}
}

// NewLibrary serves repo until the first Swap
func NewLibrary(repo *Repository, opts ...LibraryOption) *Library {
	l := &Library{
		clock:  clock.Real(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if repo == nil {
		repo = &Repository{runbooks: map[string]Runbook{}}
	}
	l.current.Store(repo)
	return l
}

// Current returns the repository in use
func (l *Library) Current() *Repository {
	return l.current.Load()
}

// Swap replaces the repository and bumps its revision
func (l *Library) Swap(repo *Repository) {
	repo.revision = l.current.Load().revision + 1
	l.current.Store(repo)
	l.logger.Info("runbooks reloaded",
		zap.Int("revision", repo.revision),
		zap.Int("runbooks", repo.Len()))
}

// FindApplicable searches the current repository
func (l *Library) FindApplicable(incidentType string, severity incident.Severity, business map[string]string) []Runbook {
	return l.Current().FindApplicable(incidentType, severity, business)
}

// ExecuteStep returns the instruction for one step of a runbook
func (l *Library) ExecuteStep(runbookID string, number int, incidentID, actor string) (StepResult, error) {
	rb, ok := l.Current().Get(runbookID)
	if !ok {
		return StepResult{}, errs.NotFound("runbook", runbookID)
	}
	if number < 1 || number > len(rb.Steps) {
		return StepResult{}, errs.Invalid("runbook", runbookID,
			fmt.Sprintf("step %d out of range 1-%d", number, len(rb.Steps)))
	}

	step := rb.Steps[number-1]
	res := StepResult{
		RunbookID:  rb.ID,
		Version:    rb.Version,
		IncidentID: incidentID,
		Actor:      actor,
		Step:       step,
		Total:      len(rb.Steps),
		Advisory:   !step.Automated,
		At:         l.clock.Now(),
	}
	if number < len(rb.Steps) {
		res.Next = number + 1
	}

	l.logger.Info("runbook step executed",
		zap.String("runbook", rb.ID),
		zap.Int("version", rb.Version),
		zap.Int("step", number),
		zap.String("incident", incidentID),
		zap.String("actor", actor))
	return res, nil
}
