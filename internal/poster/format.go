package poster

import (
	"fmt"
	"strings"

	"github.com/agentdhq/agentd/internal/budget"
	"github.com/agentdhq/agentd/internal/task"
)

// FormatResult renders the terminal message for a task. One message per
// task, so it has to carry everything the requester needs.
func FormatResult(t *task.Task) string {
	switch t.Status {
	case task.StatusSucceeded:
		return formatSuccess(t)
	case task.StatusFailed:
		return formatFailure(t)
	case task.StatusTimedOut:
		return formatTimeout(t)
	case task.StatusCancelled:
		return fmt.Sprintf("The `%s` task was cancelled before completing.", t.Command)
	case task.StatusSkipped:
		return formatSkipped(t)
	default:
		return fmt.Sprintf("Task %s ended in state %s.", t.ID, t.Status)
	}
}

func formatSuccess(t *task.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Completed `%s`.", t.Command)
	if t.ResultSummary != "" {
		b.WriteString("\n\n")
		b.WriteString(t.ResultSummary)
	}
	return b.String()
}

// formatTimeout surfaces what the agent got through before the clock
// ran out: the phase reached rides in the diagnostic, partial findings
// in the result summary.
func formatTimeout(t *task.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The `%s` task ran out of time", t.Command)
	if t.Diagnostic != "" {
		fmt.Fprintf(&b, " (%s)", t.Diagnostic)
	}
	b.WriteString(".")
	if t.ResultSummary != "" {
		b.WriteString("\n\nPartial findings:\n")
		b.WriteString(t.ResultSummary)
	}
	b.WriteString("\n\nNarrow the request or split it into smaller pieces and try again.")
	return b.String()
}

func formatFailure(t *task.Task) string {
	if strings.HasPrefix(t.Diagnostic, budget.DiagnosticExhausted) {
		return "Daily budget exceeded — try again tomorrow."
	}
	switch t.FailureClass {
	case task.ErrorUser:
		if t.Diagnostic != "" {
			return fmt.Sprintf("I couldn't complete `%s`: %s", t.Command, t.Diagnostic)
		}
		return fmt.Sprintf("I couldn't complete `%s` as requested.", t.Command)
	case task.ErrorPermanent:
		msg := fmt.Sprintf("The `%s` task cannot be completed", t.Command)
		if t.Diagnostic != "" {
			msg += ": " + t.Diagnostic
		}
		return msg + ". Retrying will not help."
	case task.ErrorTransient:
		return fmt.Sprintf("The `%s` task failed after %d attempts. "+
			"This looks temporary; try again in a few minutes.", t.Command, t.Attempt)
	default:
		return fmt.Sprintf("The `%s` task failed due to an internal error. "+
			"The team has been notified.", t.Command)
	}
}

func formatSkipped(t *task.Task) string {
	if strings.HasPrefix(t.Diagnostic, budget.DiagnosticExhausted) {
		return "Daily budget exceeded — try again tomorrow."
	}
	if t.Diagnostic != "" {
		return fmt.Sprintf("The `%s` task was skipped: %s", t.Command, t.Diagnostic)
	}
	return fmt.Sprintf("The `%s` task was skipped by policy.", t.Command)
}
