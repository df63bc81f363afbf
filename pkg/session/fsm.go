package session

import "errors"

type State string

const (
	Selecting  State = "SELECTING"
	Previewing State = "PREVIEWING"
	Publishing State = "PUBLISHING"
	Done       State = "DONE"
)

var ErrInvalidTransition = errors.New("invalid session transition")

type Event string

const (
	EventSelect   Event = "SELECT"
	EventEdit     Event = "EDIT"
	EventConfirm  Event = "CONFIRM"
	EventComplete Event = "COMPLETE"
	EventFail     Event = "FAIL"
	EventCancel   Event = "CANCEL"
)

func CanTransition(from, to State) bool {
	switch from {
	case Selecting:
		return to == Previewing || to == Done
	case Previewing:
		return to == Previewing || to == Publishing || to == Done
	case Publishing:
		return to == Done
	default:
		return false
	}
}

func Transition(from, to State) (State, error) {
	if !CanTransition(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

// Next applies event to from. EDIT is only valid while previewing and
// COMPLETE only while publishing; FAIL and CANCEL end any live session
// except that a publishing one cannot be cancelled.
func Next(from State, event Event) (State, error) {
	switch event {
	case EventSelect:
		if from != Selecting {
			return from, ErrInvalidTransition
		}
		return Transition(from, Previewing)
	case EventEdit:
		if from != Previewing {
			return from, ErrInvalidTransition
		}
		return Transition(from, Previewing)
	case EventConfirm:
		return Transition(from, Publishing)
	case EventComplete:
		if from != Publishing {
			return from, ErrInvalidTransition
		}
		return Transition(from, Done)
	case EventFail:
		return Transition(from, Done)
	case EventCancel:
		if from == Publishing {
			return from, ErrInvalidTransition
		}
		return Transition(from, Done)
	default:
		return from, ErrInvalidTransition
	}
}

func IsTerminal(s State) bool {
	return s == Done
}
