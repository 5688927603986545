package migration

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/stratumdb/stratum/internal/metalog"
	"github.com/stratumdb/stratum/internal/ring"
)

// clusterState is the migration slice of cluster metadata, serialized as
// JSON into the metadata log.
type clusterState struct {
	Tables []*TableState `json:"tables,omitempty"`
}

func decodeState(data []byte) (*clusterState, error) {
	cs := &clusterState{}
	if len(data) == 0 {
		return cs, nil
	}
	if err := json.Unmarshal(data, cs); err != nil {
		return nil, fmt.Errorf("failed to decode migration state: %w", err)
	}
	return cs, nil
}

func (cs *clusterState) encode() ([]byte, error) {
	data, err := json.Marshal(cs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode migration state: %w", err)
	}
	return data, nil
}

func (cs *clusterState) table(ref TableRef) *TableState {
	for _, ts := range cs.Tables {
		if ts.Keyspace == ref.Keyspace && ts.Table == ref.Table {
			return ts
		}
	}
	return nil
}

func (cs *clusterState) ensure(ref TableRef, defaultProtocol Protocol) *TableState {
	if ts := cs.table(ref); ts != nil {
		return ts
	}
	ts := &TableState{Keyspace: ref.Keyspace, Table: ref.Table, Protocol: defaultProtocol}
	cs.Tables = append(cs.Tables, ts)
	sort.Slice(cs.Tables, func(i, j int) bool {
		if cs.Tables[i].Keyspace != cs.Tables[j].Keyspace {
			return cs.Tables[i].Keyspace < cs.Tables[j].Keyspace
		}
		return cs.Tables[i].Table < cs.Tables[j].Table
	})
	return ts
}

// match reports whether the table passes the keyspace/table filters.
// Empty filters match everything.
func (ts *TableState) match(keyspaces, tables []string) bool {
	if len(keyspaces) > 0 && !contains(keyspaces, ts.Keyspace) {
		return false
	}
	if len(tables) > 0 && !contains(tables, ts.Table) {
		return false
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// StateStore is the consensus migration state store. All mutations go
// through the metadata log handle it was constructed with; reads observe
// a committed snapshot at an epoch.
type StateStore struct {
	log metalog.Log
}

// NewStateStore creates a state store over the given metadata log.
func NewStateStore(log metalog.Log) *StateStore {
	return &StateStore{log: log}
}

// BeginMigration inserts migrating entries covering rng for every listed
// table, with phase Migrating and the given target protocol. Ranges
// already migrating are left untouched, so re-issuing the same call is a
// no-op returning the current epoch. Tables already fully converged to
// the target are skipped.
func (s *StateStore) BeginMigration(ctx context.Context, tables []TableRef, rng ring.Range, target Protocol) (metalog.Epoch, error) {
	if len(tables) == 0 {
		return 0, &ConfigurationError{Reason: "begin-migration requires at least one table"}
	}
	// Creation epoch recorded on new entries. Informational only; the
	// commit below may land at a later epoch.
	_, current, err := s.log.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	createdAt := current + 1

	return s.log.Commit(ctx, func(data []byte) ([]byte, error) {
		cs, err := decodeState(data)
		if err != nil {
			return nil, err
		}
		changed := false
		for _, ref := range tables {
			ts := cs.ensure(ref, target.Other())
			if ts.Protocol == target {
				// Already converged to the target; nothing to migrate.
				continue
			}
			added, err := ts.addRange(rng, target, createdAt)
			if err != nil {
				return nil, err
			}
			changed = changed || added
		}
		if !changed {
			return nil, nil
		}
		return cs.encode()
	})
}

// TablePlan is the remaining repair work for one table, clipped to the
// requested range.
type TablePlan struct {
	Ref         TableRef
	FirstRound  []ring.Range
	SecondRound []ring.Range
}

// Plan describes the repair actions a finish-migration pass must run.
type Plan struct {
	Epoch  metalog.Epoch
	Target Protocol
	Tables []TablePlan
}

// NothingToDo reports whether no repair work remains.
func (p *Plan) NothingToDo() bool {
	for _, tp := range p.Tables {
		if len(tp.FirstRound) > 0 || len(tp.SecondRound) > 0 {
			return false
		}
	}
	return true
}

// FinishPlan queries the migrating ranges intersecting rng and returns
// the repair actions that remain. It does not run repair and does not
// mutate state.
func (s *StateStore) FinishPlan(ctx context.Context, keyspace string, tables []string, rng ring.Range, target Protocol) (*Plan, error) {
	if keyspace == "" {
		return nil, &ConfigurationError{Reason: "finish-migration requires a keyspace"}
	}
	data, epoch, err := s.log.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	cs, err := decodeState(data)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Epoch: epoch, Target: target}
	for _, ts := range cs.Tables {
		if !ts.match([]string{keyspace}, tables) {
			continue
		}
		tp := TablePlan{Ref: ts.Ref()}
		for _, piece := range normalizeRange(rng) {
			for _, mr := range ts.Ranges {
				if mr.Target != target {
					continue
				}
				overlap, ok := mr.Range.Intersection(piece)
				if !ok {
					continue
				}
				switch {
				case mr.Phase.NeedsFirstRepair():
					tp.FirstRound = append(tp.FirstRound, overlap)
				case mr.Phase.NeedsSecondRepair():
					tp.SecondRound = append(tp.SecondRound, overlap)
				}
			}
		}
		if len(tp.FirstRound) > 0 || len(tp.SecondRound) > 0 {
			plan.Tables = append(plan.Tables, tp)
		}
	}
	return plan, nil
}

// MarkFirstRepairComplete records a successful first repair round over
// rng. Migrating toward accord, covered entries move to the
// awaiting-second-repair phase. Migrating toward paxos needs no second
// round, so covered entries are pruned directly.
func (s *StateStore) MarkFirstRepairComplete(ctx context.Context, keyspace string, tables []string, rng ring.Range, target Protocol) (metalog.Epoch, error) {
	return s.log.Commit(ctx, func(data []byte) ([]byte, error) {
		cs, err := decodeState(data)
		if err != nil {
			return nil, err
		}
		changed := false
		for _, ts := range cs.Tables {
			if !ts.match([]string{keyspace}, tables) {
				continue
			}
			if target == ProtocolAccord {
				adv, err := ts.advance(rng, target, Phase.NeedsFirstRepair, PhaseAwaitingRepairSecondPhase)
				if err != nil {
					return nil, err
				}
				changed = changed || adv
				continue
			}
			if ts.prune(rng, target, Phase.NeedsFirstRepair) {
				changed = true
				if len(ts.Ranges) == 0 {
					ts.Protocol = target
				}
			}
		}
		if !changed {
			return nil, nil
		}
		return cs.encode()
	})
}

// MarkMigrated records confirmed repair convergence over rng: covered
// entries awaiting their final repair are pruned, and once a table has no
// migrating ranges left its default protocol flips to the target.
func (s *StateStore) MarkMigrated(ctx context.Context, keyspace string, tables []string, rng ring.Range, target Protocol) (metalog.Epoch, error) {
	done := func(p Phase) bool {
		if target == ProtocolAccord {
			return p.NeedsSecondRepair()
		}
		return p.NeedsFirstRepair() || p.NeedsSecondRepair()
	}
	return s.log.Commit(ctx, func(data []byte) ([]byte, error) {
		cs, err := decodeState(data)
		if err != nil {
			return nil, err
		}
		changed := false
		for _, ts := range cs.Tables {
			if !ts.match([]string{keyspace}, tables) {
				continue
			}
			if ts.prune(rng, target, done) {
				changed = true
				if len(ts.Ranges) == 0 {
					ts.Protocol = target
				}
			}
		}
		if !changed {
			return nil, nil
		}
		return cs.encode()
	})
}

// PhaseAt returns the migration phase and governing protocol at a token.
// Unknown tables report NotMigrating under the paxos default.
func (s *StateStore) PhaseAt(ctx context.Context, ref TableRef, token ring.Token) (Phase, Protocol, error) {
	data, _, err := s.log.Snapshot(ctx)
	if err != nil {
		return 0, 0, err
	}
	cs, err := decodeState(data)
	if err != nil {
		return 0, 0, err
	}
	ts := cs.table(ref)
	if ts == nil {
		return PhaseNotMigrating, ProtocolPaxos, nil
	}
	for _, mr := range ts.Ranges {
		if mr.Range.Contains(token) {
			return mr.Phase, ts.Protocol, nil
		}
	}
	return PhaseNotMigrating, ts.Protocol, nil
}

// Migrated reports whether every token of rng for the table is governed
// by the target protocol with no migration still in flight. Used by the
// coordinator's convergence check after the final repair round.
func (s *StateStore) Migrated(ctx context.Context, ref TableRef, rng ring.Range, target Protocol) (bool, error) {
	cs, _, err := s.snapshot(ctx)
	if err != nil {
		return false, err
	}
	ts := cs.table(ref)
	if ts == nil {
		return target == ProtocolPaxos, nil
	}
	if len(ts.rangesIntersecting(rng)) > 0 {
		return false, nil
	}
	return ts.Protocol == target, nil
}

// TableProtocol returns the default protocol currently governing a table.
func (s *StateStore) TableProtocol(ctx context.Context, ref TableRef) (Protocol, error) {
	data, _, err := s.log.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	cs, err := decodeState(data)
	if err != nil {
		return 0, err
	}
	ts := cs.table(ref)
	if ts == nil {
		return ProtocolPaxos, nil
	}
	return ts.Protocol, nil
}

// snapshot returns the decoded state for read-only operations.
func (s *StateStore) snapshot(ctx context.Context) (*clusterState, metalog.Epoch, error) {
	data, epoch, err := s.log.Snapshot(ctx)
	if err != nil {
		return nil, 0, err
	}
	cs, err := decodeState(data)
	if err != nil {
		return nil, 0, err
	}
	return cs, epoch, nil
}
