package automation

import (
	"fmt"
	"strings"

	"github.com/kagan-dev/kagan/internal/workspace"
)

// BuildWorkPrompt renders the headless work prompt for a task. The
// completion terminator contract is part of the prompt so any agent
// CLI can participate.
func BuildWorkPrompt(title, description string, criteria []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Task: %s\n\n", title)

	if description != "" {
		b.WriteString(description)
		b.WriteString("\n")
	}

	if len(criteria) > 0 {
		b.WriteString("\n## Acceptance criteria\n\n")
		for _, c := range criteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}

	b.WriteString("\nWork in the current directory. Commit your changes as you go.\n")
	b.WriteString("When every acceptance criterion is met, print exactly `<complete/>` on its own line and stop.\n")
	return b.String()
}

// BuildReviewPrompt renders the read-only review prompt: task context
// plus the changed files per repo.
func BuildReviewPrompt(title, description string, diffs []workspace.RepoDiff) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Review: %s\n\n", title)

	if description != "" {
		b.WriteString(description)
		b.WriteString("\n")
	}

	b.WriteString("\n## Changes under review\n\n")
	for _, d := range diffs {
		fmt.Fprintf(&b, "### Repo %s (+%d/-%d across %d files)\n\n",
			d.RepoID, d.Stats.Additions, d.Stats.Deletions, d.Stats.FilesChanged)
		for _, f := range d.Files {
			fmt.Fprintf(&b, "- %s (%s, +%d/-%d)\n", f.Path, f.Status, f.Additions, f.Deletions)
		}
		b.WriteString("\n")
	}

	b.WriteString("Review the changes against the task. Do not modify any files.\n")
	b.WriteString("If the work satisfies the task, print exactly `<complete/>` on its own line; otherwise describe what is missing.\n")
	return b.String()
}
