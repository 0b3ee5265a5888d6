package model

// Progress is the set of display metrics derived from a run snapshot.
// ETASeconds is nil while no stage has contributed timing data or when no
// stages remain.
type Progress struct {
	ElapsedSeconds float64  `json:"elapsed_seconds"`
	ETASeconds     *float64 `json:"eta_seconds"`
	NextStage      string   `json:"next_stage,omitempty"`
	DoneStages     int      `json:"done_stages"`
	TotalStages    int      `json:"total_stages"`
	Percent        float64  `json:"percent"`
}
