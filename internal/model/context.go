package model

// Summary describes how a context was constructed.
type Summary struct {
	CandidateCount int  `json:"candidate_count"`
	SelectedCount  int  `json:"selected_count"`
	Truncated      bool `json:"truncated"`
}

// Context is a transient, chronologically ordered subset of a tape assembled
// for one task. It is never persisted.
type Context struct {
	Task    string  `json:"task"`
	Entries []Entry `json:"entries"`
	Summary Summary `json:"summary"`
}
