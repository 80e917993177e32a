package pipeline

import "github.com/contentforge/contentforged/internal/job"

// requiredStages are the stages whose failure fails the whole job. Every
// other stage is an optional deliverable.
var requiredStages = map[string]bool{
	"extract": true,
	"brief":   true,
	"review":  true,
}

// Aggregate folds a complete stage history plus the review's audit findings
// into the job's terminal status. It is a pure function of its inputs:
// calling it twice on the same history yields the same status.
//
//   - any required stage FAILURE         -> FAILED
//   - no stage succeeded at all          -> FAILED
//   - optional FAILURE or review finding -> PARTIAL_SUCCESS
//   - otherwise (SKIPPED is not failure) -> SUCCESS
//
// Findings count against the deliverables the same way an optional stage
// failure does: the run produced output, just not all of it.
func Aggregate(results []job.StageResult, findings int) job.Status {
	succeeded := 0
	flawed := findings
	for _, r := range results {
		switch r.Status {
		case job.StageFailure:
			if requiredStages[r.StageName] {
				return job.StatusFailed
			}
			flawed++
		case job.StageSuccess:
			succeeded++
		}
	}
	if succeeded == 0 {
		return job.StatusFailed
	}
	if flawed > 0 {
		return job.StatusPartialSuccess
	}
	return job.StatusSuccess
}
