package runbooks

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

// Render writes a runbook as Markdown.
func Render(w io.Writer, rb Runbook) error {
	var sb strings.Builder

	// Header
	fmt.Fprintf(&sb, "# %s\n\n", rb.Title)
	if rb.Description != "" {
		sb.WriteString(rb.Description + "\n\n")
	}

	// Metadata
	sb.WriteString("---\n")
	fmt.Fprintf(&sb, "ID: %s (v%d)\n", rb.ID, rb.Version)
	if rb.Category != "" {
		fmt.Fprintf(&sb, "Category: %s\n", rb.Category)
	}
	if rb.Owner != "" {
		fmt.Fprintf(&sb, "Owner: %s\n", rb.Owner)
	}
	fmt.Fprintf(&sb, "Incident types: %s\n", strings.Join(rb.IncidentTypes, ", "))
	if len(rb.Severities) > 0 {
		sev := make([]string, len(rb.Severities))
		for i, s := range rb.Severities {
			sev[i] = s.String()
		}
		fmt.Fprintf(&sb, "Severities: %s\n", strings.Join(sev, ", "))
	}
	if !rb.UpdatedAt.IsZero() {
		fmt.Fprintf(&sb, "Last Updated: %s\n", rb.UpdatedAt.Format("2006-01-02"))
	}
	sb.WriteString("---\n\n")

	// Prerequisites
	if len(rb.Prerequisites) > 0 {
		sb.WriteString("## Prerequisites\n\n")
		for _, p := range rb.Prerequisites {
			required := ""
			if p.Required {
				required = " *(required)*"
			}
			sb.WriteString("- " + p.Description + required + "\n")
			if p.CheckCmd != "" {
				sb.WriteString("  ```bash\n  " + p.CheckCmd + "\n  ```\n")
			}
		}
		sb.WriteString("\n")
	}

	sb.WriteString("## Steps\n\n")
	for _, step := range rb.Steps {
		automated := ""
		if step.Automated {
			automated = " *(automated)*"
		}
		fmt.Fprintf(&sb, "**Step %d:** %s%s\n\n", step.Number, step.Action, automated)
		if step.Command != "" {
			sb.WriteString("```bash\n" + step.Command + "\n```\n\n")
		}
		if step.Expected != "" {
			sb.WriteString("*Expected:* " + step.Expected + "\n\n")
		}
		if step.Warning != "" {
			sb.WriteString("> **Warning:** " + step.Warning + "\n\n")
		}
		if step.Timeout > 0 {
			fmt.Fprintf(&sb, "*Timeout:* %s\n\n", step.Timeout)
		}
	}

	// Rollback
	if len(rb.Rollback) > 0 {
		sb.WriteString("## Rollback\n\n")
		sb.WriteString("> Use these steps if the procedure fails.\n\n")
		for _, step := range rb.Rollback {
			fmt.Fprintf(&sb, "**Step %d:** %s\n\n", step.Number, step.Action)
			if step.Condition != "" {
				sb.WriteString("*Condition:* " + step.Condition + "\n\n")
			}
			if step.Command != "" {
				sb.WriteString("```bash\n" + step.Command + "\n```\n\n")
			}
		}
	}

	// References
	if len(rb.References) > 0 {
		sb.WriteString("## References\n\n")
		for _, ref := range rb.References {
			fmt.Fprintf(&sb, "- [%s](%s)", ref.Title, ref.URL)
			if ref.Type != "" {
				fmt.Fprintf(&sb, " (%s)", ref.Type)
			}
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	_, err := io.WriteString(w, sb.String())
	return err
}

// RenderIndex writes a Markdown table of the repository grouped by category.
func RenderIndex(w io.Writer, repo *Repository) error {
	var sb strings.Builder
	sb.WriteString("# Runbook Library\n\n")

	groups := make(map[Category][]Runbook)
	var order []Category
	for _, rb := range repo.List() {
		cat := rb.Category
		if cat == "" {
			cat = "uncategorized"
		}
		if _, seen := groups[cat]; !seen {
			order = append(order, cat)
		}
		groups[cat] = append(groups[cat], rb)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	for _, cat := range order {
		fmt.Fprintf(&sb, "## %s\n\n", cat)
		sb.WriteString("| Runbook | Version | Incident types | Owner |\n")
		sb.WriteString("|---------|---------|----------------|-------|\n")
		for _, rb := range groups[cat] {
			fmt.Fprintf(&sb, "| [%s](#%s) | %d | %s | %s |\n",
				rb.Title, rb.ID, rb.Version, strings.Join(rb.IncidentTypes, ", "), rb.Owner)
		}
		sb.WriteString("\n")
	}

	_, err := io.WriteString(w, sb.String())
	return err
}
