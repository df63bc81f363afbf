package failure

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMalformedDocument   = errors.New("malformed policy document")
	ErrNoProductionAccount = errors.New("no production account")
	ErrConflict            = errors.New("policy document changed concurrently")
	ErrDirectoryLookup     = errors.New("directory lookup failed")
	ErrManagerLookup       = errors.New("ticket manager lookup failed")
	ErrPartialPublication  = errors.New("partial publication")
	ErrTransport           = errors.New("transport failure")
	ErrInProgress          = errors.New("request already in progress")
	ErrSessionClosed       = errors.New("request already completed")
	ErrInvalidTeam         = errors.New("invalid team name")
)

// TransportError records which outbound call failed.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() []error {
	return []error{ErrTransport, e.Err}
}

// Transport wraps err as a TransportError unless it already carries one of
// the domain sentinels, which keep their own classification.
func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransport) || errors.Is(err, ErrConflict) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}

// Kind names the taxonomy bucket of err, for logs and metrics labels. A
// partial publication joins its skip reasons, so it is matched before them.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrMalformedDocument):
		return "malformed_document"
	case errors.Is(err, ErrNoProductionAccount):
		return "no_production_account"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrPartialPublication):
		return "partial_publication"
	case errors.Is(err, ErrManagerLookup):
		return "manager_lookup"
	case errors.Is(err, ErrDirectoryLookup):
		return "directory_lookup"
	case errors.Is(err, ErrInProgress):
		return "in_progress"
	case errors.Is(err, ErrSessionClosed):
		return "session_closed"
	case errors.Is(err, ErrInvalidTeam):
		return "invalid_team"
	case errors.Is(err, ErrTransport):
		return "transport"
	default:
		return "internal"
	}
}

// Message converts err into the text shown to the operator in chat.
func Message(team string, err error) string {
	team = strings.TrimSpace(team)
	switch Kind(err) {
	case "none":
		return ""
	case "malformed_document":
		return fmt.Sprintf("The policy file for team %s could not be parsed. No changes were made.", team)
	case "no_production_account":
		return fmt.Sprintf("Team %s has no production AWS account, so break-glass access cannot be granted.", team)
	case "conflict":
		return fmt.Sprintf("The policy file for team %s changed while the update was being prepared. Confirm again to retry.", team)
	case "manager_lookup":
		return fmt.Sprintf("The pull request for team %s was opened, but no tickets were created because the ticket manager could not be found in the directory.", team)
	case "directory_lookup":
		return fmt.Sprintf("The pull request for team %s was opened, but no tickets were created because the requesters could not be found in the directory.", team)
	case "partial_publication":
		return fmt.Sprintf("The pull request for team %s was opened, but some tickets could not be created.", team)
	case "in_progress":
		return fmt.Sprintf("A request for team %s is already in progress.", team)
	case "session_closed":
		return fmt.Sprintf("This request for team %s has already completed. Run /prod-access to start a new one.", team)
	case "invalid_team":
		return fmt.Sprintf("%q is not a valid team name.", team)
	case "transport":
		var te *TransportError
		if errors.As(err, &te) {
			return fmt.Sprintf("Could not reach an external service (%s) for team %s. Please try again.", te.Op, team)
		}
		return fmt.Sprintf("Could not reach an external service for team %s. Please try again.", team)
	default:
		return fmt.Sprintf("An unexpected error occurred for team %s: %v", team, err)
	}
}
