package types

import (
	"strings"
)

const (
	acceptanceHeading = "## Acceptance Criteria"
	planHeading       = "## Plan"
)

// AcceptanceCriteriaMet scans the body for the acceptance criteria checklist
// section and reports whether no unchecked items remain. A body without the
// section counts as satisfied.
func AcceptanceCriteriaMet(body string) bool {
	section, found := bodySection(body, acceptanceHeading)
	if !found {
		return true
	}
	for _, line := range strings.Split(section, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "- [ ]") || strings.HasPrefix(trimmed, "* [ ]") {
			return false
		}
	}
	return true
}

// HasPlan reports whether the body carries a plan section. This is the
// artifact a plan turn is expected to produce.
func HasPlan(body string) bool {
	section, found := bodySection(body, planHeading)
	return found && strings.TrimSpace(section) != ""
}

// bodySection extracts the text between the given heading and the next
// heading of equal or higher level (or end of body).
func bodySection(body, heading string) (string, bool) {
	lines := strings.Split(body, "\n")
	start := -1
	for idx, line := range lines {
		if strings.TrimSpace(line) == heading {
			start = idx + 1
			break
		}
	}
	if start < 0 {
		return "", false
	}

	end := len(lines)
	for idx := start; idx < len(lines); idx++ {
		trimmed := strings.TrimSpace(lines[idx])
		if strings.HasPrefix(trimmed, "# ") || strings.HasPrefix(trimmed, "## ") {
			end = idx
			break
		}
	}
	return strings.Join(lines[start:end], "\n"), true
}

// AppendSection appends a heading and content to the body, separated by a
// blank line, preserving any existing content.
func AppendSection(body, heading, content string) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(body, "\n"))
	if b.Len() > 0 {
		b.WriteString("\n\n")
	}
	b.WriteString(heading)
	b.WriteString("\n\n")
	b.WriteString(strings.TrimRight(content, "\n"))
	b.WriteString("\n")
	return b.String()
}
