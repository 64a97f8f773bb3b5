package enums

import "fmt"

// JobStatus is the lifecycle state of a conversion job.
type JobStatus string

const (
	JobStatusQueued           JobStatus = "QUEUED"
	JobStatusApprovalRequired JobStatus = "APPROVAL_REQUIRED"
	JobStatusApprovalPending  JobStatus = "APPROVAL_PENDING"
	JobStatusSwapReady        JobStatus = "SWAP_READY"
	JobStatusSwapPending      JobStatus = "SWAP_PENDING"
	JobStatusCompleted        JobStatus = "COMPLETED"
	JobStatusFailed           JobStatus = "FAILED"
)

var validJobStatuses = []JobStatus{
	JobStatusQueued,
	JobStatusApprovalRequired,
	JobStatusApprovalPending,
	JobStatusSwapReady,
	JobStatusSwapPending,
	JobStatusCompleted,
	JobStatusFailed,
}

var jobStatusRank = map[JobStatus]int{
	JobStatusQueued:           0,
	JobStatusApprovalRequired: 1,
	JobStatusApprovalPending:  2,
	JobStatusSwapReady:        3,
	JobStatusSwapPending:      4,
	JobStatusCompleted:        5,
	JobStatusFailed:           5,
}

var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusQueued:           {JobStatusApprovalRequired, JobStatusSwapReady},
	JobStatusApprovalRequired: {JobStatusApprovalPending},
	JobStatusApprovalPending:  {JobStatusSwapReady},
	JobStatusSwapReady:        {JobStatusSwapPending},
	JobStatusSwapPending:      {JobStatusCompleted},
}

func (s JobStatus) String() string {
	return string(s)
}

func (s JobStatus) IsValid() bool {
	_, ok := jobStatusRank[s]
	return ok
}

// IsTerminal reports whether no further transitions are possible.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Rank orders statuses along the happy path; both terminal states share the top rank.
func (s JobStatus) Rank() int {
	if r, ok := jobStatusRank[s]; ok {
		return r
	}
	return -1
}

// CanTransition reports whether from -> to is an edge of the job state machine.
// Any non-terminal status may move to FAILED.
func CanTransition(from, to JobStatus) bool {
	if from.IsTerminal() || !to.IsValid() {
		return false
	}
	if to == JobStatusFailed {
		return from.IsValid()
	}
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NonTerminalJobStatuses lists the statuses the driver loop scans for.
func NonTerminalJobStatuses() []JobStatus {
	out := make([]JobStatus, 0, len(validJobStatuses))
	for _, s := range validJobStatuses {
		if !s.IsTerminal() {
			out = append(out, s)
		}
	}
	return out
}

func ParseJobStatus(value string) (JobStatus, error) {
	for _, candidate := range validJobStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid job status %q", value)
}
