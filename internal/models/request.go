package models

// MigrationBeginRequest asks to start migrating a token range toward a
// target consensus protocol. Omitted tokens default to the full ring.
type MigrationBeginRequest struct {
	Keyspaces  []string `json:"keyspaces,omitempty"`
	Tables     []string `json:"tables,omitempty"`
	StartToken *int64   `json:"start_token,omitempty"`
	EndToken   *int64   `json:"end_token,omitempty"`
	Target     string   `json:"target"`
}

// MigrationFinishRequest asks to run the repair rounds completing a
// migration over a token range of one keyspace.
type MigrationFinishRequest struct {
	Keyspace   string   `json:"keyspace"`
	Tables     []string `json:"tables,omitempty"`
	StartToken *int64   `json:"start_token,omitempty"`
	EndToken   *int64   `json:"end_token,omitempty"`
	Target     string   `json:"target"`
}

// ReplayRequest asks to replay the commit log into the in-memory table
// store, optionally resuming from a position and bounding the count.
type ReplayRequest struct {
	FromSegment  *int64 `json:"from_segment,omitempty"`
	FromOffset   int64  `json:"from_offset,omitempty"`
	MaxMutations *int   `json:"max_mutations,omitempty"`
}
