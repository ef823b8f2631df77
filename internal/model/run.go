package model

import "time"

// Run states for a single driver execution.
const (
	RunCreated          = "CREATED"
	RunBundleLoaded     = "BUNDLE_LOADED"
	RunAnalysisResolved = "ANALYSIS_RESOLVED"
	RunComputed         = "COMPUTED"
	RunUploaded         = "UPLOADED"
	RunErrored          = "ERRORED"
)

// validRunTransitions maps each run state to the set of states it may move to.
var validRunTransitions = map[string]map[string]bool{
	RunCreated: {
		RunBundleLoaded: true,
		RunErrored:      true,
	},
	RunBundleLoaded: {
		RunAnalysisResolved: true,
		RunErrored:          true,
	},
	RunAnalysisResolved: {
		RunComputed: true,
		RunErrored:  true,
	},
	RunComputed: {
		RunUploaded: true,
		RunErrored:  true,
	},
}

// ValidRunTransition reports whether moving a run from one state to another is allowed.
func ValidRunTransition(from, to string) bool {
	targets, ok := validRunTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminalRunState reports whether no further transitions are possible.
func IsTerminalRunState(state string) bool {
	return state == RunUploaded || state == RunErrored
}

// Run is the local record of one driver execution.
type Run struct {
	ID             string     `json:"id"`
	MetaAnalysisID string     `json:"meta_analysis_id"`
	ArtifactPrefix string     `json:"artifact_prefix"`
	Environment    string     `json:"environment"`
	State          string     `json:"state"`
	ResultID       string     `json:"result_id,omitempty"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// RunTransition is one recorded state change of a run. From is empty for the
// row written when the run is created.
type RunTransition struct {
	RunID string    `json:"run_id"`
	From  string    `json:"from,omitempty"`
	To    string    `json:"to"`
	Error string    `json:"error,omitempty"`
	At    time.Time `json:"at"`
}
