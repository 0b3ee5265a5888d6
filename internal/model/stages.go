package model

// StageDef is one fixed entry in the pipeline stage table.
type StageDef struct {
	ID   int
	Key  string
	Name string
}

// pipelineStages is the canonical stage order. IDs are 1-based and stable;
// stage 0 is reserved for run-level events.
var pipelineStages = []StageDef{
	{ID: 1, Key: "conversion", Name: "Audio Conversion"},
	{ID: 2, Key: "chunking", Name: "Audio Chunking"},
	{ID: 3, Key: "transcription", Name: "Transcription"},
	{ID: 4, Key: "diarization", Name: "Speaker Diarization"},
	{ID: 5, Key: "classification", Name: "Segment Classification"},
	{ID: 6, Key: "output", Name: "Output Generation"},
}

// Stages returns the full stage table in pipeline order.
func Stages() []StageDef {
	out := make([]StageDef, len(pipelineStages))
	copy(out, pipelineStages)
	return out
}

// StageCount is the number of pipeline stages.
func StageCount() int {
	return len(pipelineStages)
}

// StageDefByID looks up a stage definition by id.
func StageDefByID(id int) (StageDef, bool) {
	for _, d := range pipelineStages {
		if d.ID == id {
			return d, true
		}
	}
	return StageDef{}, false
}

// StageDefByKey looks up a stage definition by its skip-flag key.
func StageDefByKey(key string) (StageDef, bool) {
	for _, d := range pipelineStages {
		if d.Key == key {
			return d, true
		}
	}
	return StageDef{}, false
}
