package domain

// LayerRecord is one build instruction's cache outcome.
type LayerRecord struct {
	BuildID     string `json:"build_id" db:"build_id"`
	Index       int    `json:"index" db:"step_index"`
	Instruction string `json:"instruction" db:"instruction"`
	Key         string `json:"key" db:"cache_key"`
	Predicted   bool   `json:"predicted_cached" db:"predicted_cached"`
	Cached      bool   `json:"cached" db:"cached"`
}
