// Package commitlog implements the durable commit log: framed, checksummed
// mutation records in sequentially numbered segment files, with a writer
// producing segments and a reader/replayer reconstructing table state from
// them after a restart.
package commitlog

import (
	"fmt"
	"strconv"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Mutation is one row write as it travels through the commit log.
// Column values round-trip through the wire encoding as JSON-like types
// (string, float64, bool, nil, nested maps/lists).
type Mutation struct {
	Keyspace string         `json:"keyspace"`
	Table    string         `json:"table"`
	Key      string         `json:"key"`
	Columns  map[string]any `json:"columns"`
	// WriteTimestamp is microseconds since epoch; last-write-wins
	// resolution in the storage layer compares these.
	WriteTimestamp int64 `json:"write_timestamp"`
}

// encodeMutation serializes a mutation as a protobuf Struct. The write
// timestamp is carried as a decimal string because Struct numbers are
// float64 and would lose precision on large timestamps.
func encodeMutation(m *Mutation) ([]byte, error) {
	columns, err := structpb.NewStruct(m.Columns)
	if err != nil {
		return nil, fmt.Errorf("failed to encode mutation columns: %w", err)
	}
	payload := &structpb.Struct{Fields: map[string]*structpb.Value{
		"keyspace":        structpb.NewStringValue(m.Keyspace),
		"table":           structpb.NewStringValue(m.Table),
		"key":             structpb.NewStringValue(m.Key),
		"columns":         structpb.NewStructValue(columns),
		"write_timestamp": structpb.NewStringValue(strconv.FormatInt(m.WriteTimestamp, 10)),
	}}
	data, err := proto.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal mutation: %w", err)
	}
	return data, nil
}

// decodeMutation parses a record payload produced by encodeMutation.
func decodeMutation(data []byte) (*Mutation, error) {
	payload := &structpb.Struct{}
	if err := proto.Unmarshal(data, payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal mutation: %w", err)
	}
	fields := payload.GetFields()

	m := &Mutation{
		Keyspace: fields["keyspace"].GetStringValue(),
		Table:    fields["table"].GetStringValue(),
		Key:      fields["key"].GetStringValue(),
	}
	if cols := fields["columns"].GetStructValue(); cols != nil {
		m.Columns = cols.AsMap()
	}
	ts := fields["write_timestamp"].GetStringValue()
	if ts != "" {
		parsed, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid write timestamp %q: %w", ts, err)
		}
		m.WriteTimestamp = parsed
	}
	return m, nil
}
