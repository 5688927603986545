package migration

import "errors"

// ConfigurationError rejects an invalid or unmanaged keyspace/table/range
// argument combination. It is always surfaced to the caller and never
// retried.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return e.Reason
}

// ErrOverlapInvariant signals that two migrating ranges for the same table
// overlap. The interval structure prevents this for any input, so seeing
// it means a bug, fatal to the operation but not the process.
var ErrOverlapInvariant = errors.New("overlapping migrating ranges for the same table")
