package slack

import (
	"fmt"
	"strings"

	"breakglass/pkg/failure"
	"breakglass/pkg/session"
)

func ProcessingText(team string) string {
	return fmt.Sprintf("Processing production access request for team %s. This may take a few moments...:hourglass_flowing_sand:", team)
}

func CancelledText(team string) string {
	return fmt.Sprintf("Production access request for team %s was cancelled.", team)
}

// OutcomeText renders the final report of a confirmed request.
func OutcomeText(r session.Report) string {
	if r.Err != nil && len(r.Tickets.Tickets) == 0 && r.Outcome.PullRequest.URL == "" {
		return ":x: " + r.Message()
	}
	if r.Outcome.NoChange {
		return fmt.Sprintf("No changes were needed in the %s.json file.", r.Team)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Confirmed updated email list for team *%s*:\n", r.Team)
	for _, e := range r.Emails {
		fmt.Fprintf(&b, "• <mailto:%s|%s>\n", e, e)
	}
	if url := r.Outcome.PullRequest.URL; url != "" {
		fmt.Fprintf(&b, "\nPR created: <%s>\n", url)
	}
	if len(r.Tickets.Tickets) > 0 || len(r.Tickets.Skipped) > 0 {
		b.WriteString("\nJira tickets:\n")
		for _, t := range r.Tickets.Tickets {
			fmt.Fprintf(&b, "• %s: <%s|%s>\n", t.Email, t.URL, t.Key)
		}
		for _, s := range r.Tickets.Skipped {
			fmt.Fprintf(&b, "• skipped: %s - %s\n", s.Email, skipReason(s.Reason))
		}
	}
	if r.Err != nil {
		fmt.Fprintf(&b, "\n:warning: %s\n", r.Message())
	}
	if r.AttachErr != nil {
		b.WriteString("\n:warning: The ticket links could not be added to the pull request description.\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func skipReason(err error) string {
	switch failure.Kind(err) {
	case "manager_lookup":
		return "ticket manager not found in the directory"
	case "directory_lookup":
		return "not found in the directory"
	case "transport":
		return "the ticket tracker could not be reached"
	default:
		return "the ticket could not be created"
	}
}

func ApprovalText(ev session.ApprovalEvent) string {
	return fmt.Sprintf(":white_check_mark: Pull Request #%d has been approved!\n*Title:* %s\n*Approved by:* %s\n*PR Link:* <%s|View PR>",
		ev.Number, ev.Title, ev.Approver, ev.URL)
}
