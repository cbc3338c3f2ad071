package attendance

import "context"

// GetLiveStats aggregates a session's attempts per student.
func (s *Service) GetLiveStats(ctx context.Context, sessionID string) (LiveStats, error) {
	attempts, err := s.ListAttempts(ctx, sessionID)
	if err != nil {
		return LiveStats{}, err
	}
	return Summarize(attempts), nil
}

// Summarize counts each student once: by the attended attempt when there is
// one, otherwise by the highest-numbered attempt.
func Summarize(attempts []Attempt) LiveStats {
	latest := make(map[string]Attempt)
	for _, a := range attempts {
		cur, ok := latest[a.StudentID]
		switch {
		case !ok:
			latest[a.StudentID] = a
		case cur.Outcome.Attended():
		case a.Outcome.Attended() || a.AttemptNumber > cur.AttemptNumber:
			latest[a.StudentID] = a
		}
	}

	var st LiveStats
	for _, a := range latest {
		st.Total++
		switch a.Outcome {
		case OutcomePresent:
			st.Present++
		case OutcomeLate:
			st.Late++
		case OutcomeReview:
			st.Reviewing++
		case OutcomeAbsent, OutcomeRejected:
			st.Absent++
		}
	}
	return st
}
