package job

import (
	"fmt"
	"jobhost/internal/apperrors"
	"slices"
	"time"
)

// NotFinishedStatuses are the states counted against a host's capacity.
var NotFinishedStatuses = []Status{StatusStarting, StatusPending, StatusInProgress}

// transitions lists the legal targets for each non-terminal state. A status
// may always be re-applied to itself and any non-terminal state may be
// forced to Error; both rules are handled in CanTransition.
var transitions = map[Status][]Status{
	StatusPending:    {StatusStarting, StatusInProgress, StatusCancel},
	StatusStarting:   {StatusInProgress, StatusPending, StatusCompleted},
	StatusInProgress: {StatusCompleted, StatusCancel, StatusTimingOut, StatusTimedOut, StatusPending, StatusUnknown},
	StatusUnknown:    {StatusPending, StatusInProgress, StatusCompleted},
	StatusCancel:     {StatusCancelling, StatusCancelled, StatusCompleted},
	StatusCancelling: {StatusCancelled, StatusCompleted},
	StatusTimingOut:  {StatusTimedOut, StatusCancelling, StatusCompleted},
}

// IsTerminal reports whether s is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCancelled, StatusTimedOut:
		return true
	default:
		return false
	}
}

// IsNotFinished reports whether s counts as unfinished work.
func (s Status) IsNotFinished() bool {
	return slices.Contains(NotFinishedStatuses, s)
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusStarting, StatusInProgress, StatusCompleted, StatusError,
		StatusUnknown, StatusCancel, StatusCancelling, StatusCancelled, StatusTimingOut, StatusTimedOut:
		return true
	default:
		return false
	}
}

// CanRequestCancel reports whether a cancellation request is legal from s.
func CanRequestCancel(from Status) bool {
	return from == StatusPending || from == StatusInProgress
}

// CanTransition reports whether a job in state from may move to state to.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	if from.IsTerminal() {
		return false
	}
	if to == StatusError {
		return true
	}
	return slices.Contains(transitions[from], to)
}

// checkTransition returns an invalid-state error when the move is illegal.
func checkTransition(j *Job, to Status) error {
	if !to.Valid() {
		return apperrors.Validation("status", fmt.Sprintf("unknown status %q", to))
	}
	if to == StatusCancel && j.Status != StatusCancel && !CanRequestCancel(j.Status) {
		return apperrors.InvalidState("job", j.ID, fmt.Sprintf("cannot request cancellation while %s", j.Status))
	}
	if !CanTransition(j.Status, to) {
		return apperrors.InvalidState("job", j.ID, fmt.Sprintf("cannot move from %s to %s", j.Status, to))
	}
	return nil
}

// applyStatus moves j to status and stamps lifecycle timestamps. It returns
// false when the change is suppressed (Cancelling while TimingOut).
func applyStatus(j *Job, status Status, now time.Time) bool {
	if status == StatusCancelling && j.Status == StatusTimingOut {
		return false
	}
	switch {
	case status == StatusStarting && j.Status != StatusStarting:
		j.Starting = timePtr(now)
	case status == StatusInProgress && j.Started == nil:
		j.Started = timePtr(now)
	case status.IsTerminal() && j.Finished == nil:
		j.Finished = timePtr(now)
	}
	j.Status = status
	return true
}
