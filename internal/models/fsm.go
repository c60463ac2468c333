package models

import "fmt"

// validTransitions defines the job lifecycle. Terminal statuses have no exits.
var validTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusProcessing},
	JobStatusProcessing: {JobStatusCompleted, JobStatusFailed},
}

// ValidateTransition reports whether a job may move from one status to another.
func ValidateTransition(from, to JobStatus) error {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("invalid job transition %s -> %s", from, to)
}

func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

func (s JobStatus) Valid() bool {
	for _, status := range AllJobStatuses {
		if s == status {
			return true
		}
	}
	return false
}
