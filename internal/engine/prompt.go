package engine

import (
	"fmt"
	"strings"

	"github.com/drover-dev/drover/internal/types"
)

// buildPrompt renders the instruction for one agent turn. The issue body
// travels verbatim so acceptance criteria and appended Q&A survive.
func buildPrompt(issue *types.Issue, subMode types.Mode) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Issue %s: %s\n\n", issue.ID, issue.Title)
	if body := strings.TrimSpace(issue.Body); body != "" {
		b.WriteString(body)
		b.WriteString("\n\n")
	}

	switch subMode {
	case types.ModePlan:
		b.WriteString("Produce an implementation plan for this issue. " +
			"Record it in the issue body under a \"## Plan\" section. " +
			"Do not start implementing.\n")
	case types.ModeSplit:
		b.WriteString("This issue is too large to finish within one working context. " +
			"Split it into independent child issues that each fit comfortably. " +
			"Create the children in the tracker with this issue as their parent, " +
			"then stop. Do not do any of the work yourself.\n")
	default:
		b.WriteString("Work toward completing this issue. " +
			"Check off acceptance criteria items in the issue body as you satisfy them. " +
			"Stop when every item is done or you cannot make further progress.\n")
	}

	return b.String()
}
