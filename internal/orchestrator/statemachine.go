package orchestrator

import "github.com/soulprintlabs/soulprint/internal/types"

// jobTransitions is the allowed edge set of the job lifecycle. Terminal
// states have no outgoing edges.
var jobTransitions = map[types.JobStatus][]types.JobStatus{
	types.JobPending:    {types.JobExtracting, types.JobFailed},
	types.JobExtracting: {types.JobChunking, types.JobFailed},
	types.JobChunking:   {types.JobProcessing, types.JobFailed},
	types.JobProcessing: {types.JobComplete, types.JobFailed},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to types.JobStatus) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
