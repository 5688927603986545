package models

// HealthResponse represents health check response
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
}

// MigrationBeginResponse reports the metadata epoch that recorded the
// migration intent.
type MigrationBeginResponse struct {
	Epoch  uint64 `json:"epoch"`
	Target string `json:"target"`
}

// MigrationFinishResponse reports what a finish-migration pass did.
type MigrationFinishResponse struct {
	Converged       bool   `json:"converged"`
	Epoch           uint64 `json:"epoch"`
	FirstRoundJobs  int    `json:"first_round_jobs"`
	SecondRoundJobs int    `json:"second_round_jobs"`
}

// PhaseResponse reports the migration phase governing one token of a
// table.
type PhaseResponse struct {
	Keyspace string `json:"keyspace"`
	Table    string `json:"table"`
	Token    int64  `json:"token"`
	Phase    string `json:"phase"`
	Protocol string `json:"protocol"`
}

// ReplayResponse reports a commit log replay pass.
type ReplayResponse struct {
	Delivered     int    `json:"delivered"`
	Applied       int    `json:"applied"`
	Dropped       int    `json:"dropped"`
	ResumeSegment int64  `json:"resume_segment"`
	ResumeOffset  int64  `json:"resume_offset"`
	Corruption    string `json:"corruption,omitempty"`
}

// ErrorResponse represents error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details
type ErrorDetail struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Path    string                 `json:"path,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}
