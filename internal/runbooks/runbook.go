// Package runbooks holds the operator runbooks matched to incidents.
//
// Runbooks are advisory: a Repository finds the ones that apply to an
// incident and ExecuteStep hands back the next instruction, but nothing in
// this package touches infrastructure. Fully automated remediation belongs
// to the recovery engine.
package runbooks

import (
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/FairForge/bulwark/internal/incident"
)

// Runbook represents an operational runbook. Runbooks are immutable once
// added to a Repository; a changed document gets a new Version.
type Runbook struct {
	ID          string   `yaml:"id" json:"id"`
	Version     int      `yaml:"version" json:"version"`
	Title       string   `yaml:"title" json:"title"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Category    Category `yaml:"category,omitempty" json:"category,omitempty"`
	Owner       string   `yaml:"owner,omitempty" json:"owner,omitempty"`
	// IncidentTypes are exact types or path.Match patterns such as "database_*"
	IncidentTypes []string `yaml:"incident_types" json:"incident_types"`
	// Severities restricts the runbook to these severities; empty means any
	Severities []incident.Severity `yaml:"severities,omitempty" json:"severities,omitempty"`
	// Context must be a subset of the business context passed to FindApplicable
	Context       map[string]string `yaml:"context,omitempty" json:"context,omitempty"`
	Prerequisites []Prerequisite    `yaml:"prerequisites,omitempty" json:"prerequisites,omitempty"`
	Steps         []Step            `yaml:"steps" json:"steps"`
	Rollback      []RollbackStep    `yaml:"rollback,omitempty" json:"rollback,omitempty"`
	References    []Reference       `yaml:"references,omitempty" json:"references,omitempty"`
	UpdatedAt     time.Time         `yaml:"updated_at,omitempty" json:"updated_at,omitempty"`
	Source        string            `yaml:"-" json:"source,omitempty"`
}

// Category categorizes runbooks.
type Category string

const (
	CategoryIncident    Category = "incident"
	CategoryRecovery    Category = "recovery"
	CategoryDatabase    Category = "database"
	CategoryNetwork     Category = "network"
	CategoryCapacity    Category = "capacity"
	CategoryDependency  Category = "dependency"
	CategoryMaintenance Category = "maintenance"
)

// Prerequisite defines a prerequisite.
type Prerequisite struct {
	Description string `yaml:"description" json:"description"`
	Required    bool   `yaml:"required,omitempty" json:"required,omitempty"`
	CheckCmd    string `yaml:"check_cmd,omitempty" json:"check_cmd,omitempty"`
}

// Step represents one ordered step.
type Step struct {
	Number    int           `yaml:"number,omitempty" json:"number"`
	Action    string        `yaml:"action" json:"action"`
	Command   string        `yaml:"command,omitempty" json:"command,omitempty"`
	Expected  string        `yaml:"expected,omitempty" json:"expected,omitempty"`
	Warning   string        `yaml:"warning,omitempty" json:"warning,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Automated bool          `yaml:"automated,omitempty" json:"automated,omitempty"`
}

// RollbackStep defines a rollback step.
type RollbackStep struct {
	Number    int    `yaml:"number,omitempty" json:"number"`
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`
	Action    string `yaml:"action" json:"action"`
	Command   string `yaml:"command,omitempty" json:"command,omitempty"`
}

// Reference provides additional resources.
type Reference struct {
	Title string `yaml:"title" json:"title"`
	URL   string `yaml:"url" json:"url"`
	Type  string `yaml:"type,omitempty" json:"type,omitempty"`
}

// Validate checks identity, patterns and step order. Unnumbered steps are
// numbered in place.
func (r *Runbook) Validate() error {
	if r.ID == "" {
		return errors.New("runbook: id is required")
	}
	if r.Title == "" {
		return fmt.Errorf("runbook %s: title is required", r.ID)
	}
	if len(r.IncidentTypes) == 0 {
		return fmt.Errorf("runbook %s: at least one incident type is required", r.ID)
	}
	for _, p := range r.IncidentTypes {
		if _, err := path.Match(p, ""); err != nil {
			return fmt.Errorf("runbook %s: incident type %q: %w", r.ID, p, err)
		}
	}
	if len(r.Steps) == 0 {
		return fmt.Errorf("runbook %s: at least one step is required", r.ID)
	}
	for i := range r.Steps {
		if r.Steps[i].Number == 0 {
			r.Steps[i].Number = i + 1
		}
		if r.Steps[i].Number != i+1 {
			return fmt.Errorf("runbook %s: step %d is numbered %d", r.ID, i+1, r.Steps[i].Number)
		}
		if r.Steps[i].Action == "" {
			return fmt.Errorf("runbook %s: step %d has no action", r.ID, i+1)
		}
	}
	for i := range r.Rollback {
		if r.Rollback[i].Number == 0 {
			r.Rollback[i].Number = i + 1
		}
	}
	if r.Version == 0 {
		r.Version = 1
	}
	return nil
}

// match ranks how the runbook applies to an incident type: 0 exact,
// 1 pattern, -1 not at all
func (r *Runbook) match(incidentType string) int {
	rank := -1
	for _, p := range r.IncidentTypes {
		if p == incidentType {
			return 0
		}
		if ok, _ := path.Match(p, incidentType); ok {
			rank = 1
		}
	}
	return rank
}

func (r *Runbook) appliesTo(sev incident.Severity, business map[string]string) bool {
	if len(r.Severities) > 0 && sev != incident.SeverityUnset {
		found := false
		for _, s := range r.Severities {
			if s == sev {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for k, v := range r.Context {
		if business[k] != v {
			return false
		}
	}
	return true
}

func (r Runbook) clone() Runbook {
	c := r
	c.IncidentTypes = append([]string(nil), r.IncidentTypes...)
	c.Severities = append([]incident.Severity(nil), r.Severities...)
	c.Prerequisites = append([]Prerequisite(nil), r.Prerequisites...)
	c.Steps = append([]Step(nil), r.Steps...)
	c.Rollback = append([]RollbackStep(nil), r.Rollback...)
	c.References = append([]Reference(nil), r.References...)
	if r.Context != nil {
		c.Context = make(map[string]string, len(r.Context))
		for k, v := range r.Context {
			c.Context[k] = v
		}
	}
	return c
}

// Builder helps construct runbooks.
type Builder struct {
	runbook Runbook
}

// NewRunbook creates a runbook builder.
func NewRunbook(id, title string) *Builder {
	return &Builder{
		runbook: Runbook{
			ID:      id,
			Title:   title,
			Version: 1,
		},
	}
}

// Description sets the description.
func (b *Builder) Description(desc string) *Builder {
	b.runbook.Description = desc
	return b
}

// Category sets the category.
func (b *Builder) Category(cat Category) *Builder {
	b.runbook.Category = cat
	return b
}

// Owner sets the owner.
func (b *Builder) Owner(owner string) *Builder {
	b.runbook.Owner = owner
	return b
}

// Version sets the document version.
func (b *Builder) Version(v int) *Builder {
	b.runbook.Version = v
	return b
}

// For adds incident types or patterns.
func (b *Builder) For(types ...string) *Builder {
	b.runbook.IncidentTypes = append(b.runbook.IncidentTypes, types...)
	return b
}

// Severities restricts the severities.
func (b *Builder) Severities(s ...incident.Severity) *Builder {
	b.runbook.Severities = append(b.runbook.Severities, s...)
	return b
}

// Context requires a business context key.
func (b *Builder) Context(key, value string) *Builder {
	if b.runbook.Context == nil {
		b.runbook.Context = make(map[string]string)
	}
	b.runbook.Context[key] = value
	return b
}

// Prerequisite adds a prerequisite.
func (b *Builder) Prerequisite(desc string, required bool, checkCmd string) *Builder {
	b.runbook.Prerequisites = append(b.runbook.Prerequisites, Prerequisite{
		Description: desc,
		Required:    required,
		CheckCmd:    checkCmd,
	})
	return b
}

// Step adds a step.
func (b *Builder) Step(action, command, expected string) *Builder {
	b.runbook.Steps = append(b.runbook.Steps, Step{
		Number:   len(b.runbook.Steps) + 1,
		Action:   action,
		Command:  command,
		Expected: expected,
	})
	return b
}

// StepWithWarning adds a step with a warning.
func (b *Builder) StepWithWarning(action, command, expected, warning string) *Builder {
	b.runbook.Steps = append(b.runbook.Steps, Step{
		Number:   len(b.runbook.Steps) + 1,
		Action:   action,
		Command:  command,
		Expected: expected,
		Warning:  warning,
	})
	return b
}

// AutomatedStep adds a step the recovery engine also performs.
func (b *Builder) AutomatedStep(action, command, expected string) *Builder {
	b.runbook.Steps = append(b.runbook.Steps, Step{
		Number:    len(b.runbook.Steps) + 1,
		Action:    action,
		Command:   command,
		Expected:  expected,
		Automated: true,
	})
	return b
}

// RollbackStep adds a rollback step.
func (b *Builder) RollbackStep(condition, action, cmd string) *Builder {
	b.runbook.Rollback = append(b.runbook.Rollback, RollbackStep{
		Number:    len(b.runbook.Rollback) + 1,
		Condition: condition,
		Action:    action,
		Command:   cmd,
	})
	return b
}

// Reference adds a reference.
func (b *Builder) Reference(title, url, refType string) *Builder {
	b.runbook.References = append(b.runbook.References, Reference{
		Title: title,
		URL:   url,
		Type:  refType,
	})
	return b
}

// Build returns the completed runbook.
func (b *Builder) Build() Runbook {
	return b.runbook.clone()
}
