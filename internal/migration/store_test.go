package migration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stratumdb/stratum/internal/metalog"
	"github.com/stratumdb/stratum/internal/ring"
	"gopkg.in/yaml.v3"
)

func newTestStore(t *testing.T) *StateStore {
	t.Helper()
	log := metalog.NewMemory(nil)
	t.Cleanup(func() { _ = log.Close() })
	return NewStateStore(log)
}

func mustRange(t *testing.T, start, end ring.Token) ring.Range {
	t.Helper()
	r, err := ring.NewRange(start, end)
	if err != nil {
		t.Fatalf("NewRange(%d, %d) failed: %v", start, end, err)
	}
	return r
}

func tableRanges(t *testing.T, s *StateStore, ref TableRef) []MigratingRange {
	t.Helper()
	cs, _, err := s.snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	ts := cs.table(ref)
	if ts == nil {
		return nil
	}
	return ts.Ranges
}

func checkDisjoint(t *testing.T, ranges []MigratingRange) {
	t.Helper()
	for i := 1; i < len(ranges); i++ {
		if ranges[i].Range.Start < ranges[i-1].Range.End {
			t.Fatalf("overlapping ranges %s and %s", ranges[i-1].Range, ranges[i].Range)
		}
	}
}

func TestBeginMigration_RequiresTables(t *testing.T) {
	s := newTestStore(t)
	_, err := s.BeginMigration(context.Background(), nil, ring.FullRange(), ProtocolAccord)
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestBeginMigration_NonOverlapUnderAdversarialInput(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ref := TableRef{Keyspace: "ks", Table: "tbl"}

	inputs := []ring.Range{
		mustRange(t, 0, 300),
		mustRange(t, 100, 200), // nested
		mustRange(t, 250, 400), // overlapping tail
		mustRange(t, -100, 50), // overlapping head
		mustRange(t, 0, 300),   // exact repeat
		mustRange(t, 350, 100), // wrapping across the whole lot
	}
	for _, rng := range inputs {
		if _, err := s.BeginMigration(ctx, []TableRef{ref}, rng, ProtocolAccord); err != nil {
			t.Fatalf("BeginMigration(%s) failed: %v", rng, err)
		}
		checkDisjoint(t, tableRanges(t, s, ref))
	}
}

func TestBeginMigration_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ref := TableRef{Keyspace: "ks", Table: "tbl"}
	rng := mustRange(t, 100, 200)

	epoch1, err := s.BeginMigration(ctx, []TableRef{ref}, rng, ProtocolAccord)
	if err != nil {
		t.Fatalf("first BeginMigration failed: %v", err)
	}
	state1, _, err := s.log.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	epoch2, err := s.BeginMigration(ctx, []TableRef{ref}, rng, ProtocolAccord)
	if err != nil {
		t.Fatalf("second BeginMigration failed: %v", err)
	}
	state2, _, err := s.log.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	if epoch2 != epoch1 {
		t.Errorf("repeat call moved epoch %d -> %d", epoch1, epoch2)
	}
	if !bytes.Equal(state1, state2) {
		t.Errorf("repeat call changed state:\n%s\nvs\n%s", state1, state2)
	}
}

func TestBeginMigration_MergesAdjacent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ref := TableRef{Keyspace: "ks", Table: "tbl"}

	for _, rng := range []ring.Range{mustRange(t, 0, 100), mustRange(t, 100, 200)} {
		if _, err := s.BeginMigration(ctx, []TableRef{ref}, rng, ProtocolAccord); err != nil {
			t.Fatalf("BeginMigration failed: %v", err)
		}
	}

	ranges := tableRanges(t, s, ref)
	if len(ranges) != 1 {
		t.Fatalf("expected 1 merged range, got %d: %v", len(ranges), ranges)
	}
	if got := ranges[0].Range; got != (ring.Range{Start: 0, End: 200}) {
		t.Errorf("unexpected merged range %s", got)
	}
}

func TestBeginMigration_WrappingRangeSplits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ref := TableRef{Keyspace: "ks", Table: "tbl"}

	if _, err := s.BeginMigration(ctx, []TableRef{ref}, mustRange(t, 200, 100), ProtocolAccord); err != nil {
		t.Fatalf("BeginMigration failed: %v", err)
	}

	ranges := tableRanges(t, s, ref)
	if len(ranges) != 2 {
		t.Fatalf("expected 2 ranges, got %d: %v", len(ranges), ranges)
	}
	if ranges[0].Range != (ring.Range{Start: ring.MinToken, End: 100}) {
		t.Errorf("unexpected first half %s", ranges[0].Range)
	}
	if ranges[1].Range != (ring.Range{Start: 200, End: ring.MaxToken}) {
		t.Errorf("unexpected second half %s", ranges[1].Range)
	}
}

func TestTwoRoundConvergence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ref := TableRef{Keyspace: "ks", Table: "tbl"}
	rng := mustRange(t, 100, 200)

	if _, err := s.BeginMigration(ctx, []TableRef{ref}, rng, ProtocolAccord); err != nil {
		t.Fatalf("BeginMigration failed: %v", err)
	}

	plan, err := s.FinishPlan(ctx, "ks", nil, rng, ProtocolAccord)
	if err != nil {
		t.Fatalf("FinishPlan failed: %v", err)
	}
	if plan.NothingToDo() {
		t.Fatal("expected first-round work")
	}
	if len(plan.Tables) != 1 || len(plan.Tables[0].FirstRound) != 1 || len(plan.Tables[0].SecondRound) != 0 {
		t.Fatalf("unexpected plan %+v", plan)
	}

	// First repair round succeeds.
	if _, err := s.MarkFirstRepairComplete(ctx, "ks", nil, rng, ProtocolAccord); err != nil {
		t.Fatalf("MarkFirstRepairComplete failed: %v", err)
	}
	phase, _, err := s.PhaseAt(ctx, ref, 150)
	if err != nil {
		t.Fatalf("PhaseAt failed: %v", err)
	}
	if phase != PhaseAwaitingRepairSecondPhase {
		t.Fatalf("expected awaiting_repair_second_phase, got %s", phase)
	}
	if migrated, _ := s.Migrated(ctx, ref, rng, ProtocolAccord); migrated {
		t.Fatal("must not report migrated before the second round")
	}

	plan, err = s.FinishPlan(ctx, "ks", nil, rng, ProtocolAccord)
	if err != nil {
		t.Fatalf("FinishPlan failed: %v", err)
	}
	if len(plan.Tables) != 1 || len(plan.Tables[0].SecondRound) != 1 || len(plan.Tables[0].FirstRound) != 0 {
		t.Fatalf("unexpected second-round plan %+v", plan)
	}

	// Second repair round succeeds.
	if _, err := s.MarkMigrated(ctx, "ks", nil, rng, ProtocolAccord); err != nil {
		t.Fatalf("MarkMigrated failed: %v", err)
	}
	migrated, err := s.Migrated(ctx, ref, rng, ProtocolAccord)
	if err != nil {
		t.Fatalf("Migrated failed: %v", err)
	}
	if !migrated {
		t.Fatal("expected migrated after second round")
	}
	proto, err := s.TableProtocol(ctx, ref)
	if err != nil {
		t.Fatalf("TableProtocol failed: %v", err)
	}
	if proto != ProtocolAccord {
		t.Errorf("table protocol = %s, want accord", proto)
	}
}

func TestMarkFirstRepairComplete_SplitsPartialCoverage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ref := TableRef{Keyspace: "ks", Table: "tbl"}

	if _, err := s.BeginMigration(ctx, []TableRef{ref}, mustRange(t, 0, 300), ProtocolAccord); err != nil {
		t.Fatalf("BeginMigration failed: %v", err)
	}
	if _, err := s.MarkFirstRepairComplete(ctx, "ks", nil, mustRange(t, 100, 200), ProtocolAccord); err != nil {
		t.Fatalf("MarkFirstRepairComplete failed: %v", err)
	}

	ranges := tableRanges(t, s, ref)
	if len(ranges) != 3 {
		t.Fatalf("expected 3 ranges after split, got %d: %v", len(ranges), ranges)
	}
	want := []struct {
		rng   ring.Range
		phase Phase
	}{
		{ring.Range{Start: 0, End: 100}, PhaseMigrating},
		{ring.Range{Start: 100, End: 200}, PhaseAwaitingRepairSecondPhase},
		{ring.Range{Start: 200, End: 300}, PhaseMigrating},
	}
	for i, w := range want {
		if ranges[i].Range != w.rng || ranges[i].Phase != w.phase {
			t.Errorf("range %d = %s/%s, want %s/%s", i, ranges[i].Range, ranges[i].Phase, w.rng, w.phase)
		}
	}
	checkDisjoint(t, ranges)
}

func TestMarkFirstRepairComplete_PaxosTargetNeedsNoSecondRound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ref := TableRef{Keyspace: "ks", Table: "tbl"}
	rng := mustRange(t, 100, 200)

	if _, err := s.BeginMigration(ctx, []TableRef{ref}, rng, ProtocolPaxos); err != nil {
		t.Fatalf("BeginMigration failed: %v", err)
	}
	if _, err := s.MarkFirstRepairComplete(ctx, "ks", nil, rng, ProtocolPaxos); err != nil {
		t.Fatalf("MarkFirstRepairComplete failed: %v", err)
	}

	migrated, err := s.Migrated(ctx, ref, rng, ProtocolPaxos)
	if err != nil {
		t.Fatalf("Migrated failed: %v", err)
	}
	if !migrated {
		t.Error("paxos-target migration should converge after one round")
	}
}

func TestFinishPlan_NothingToDo(t *testing.T) {
	s := newTestStore(t)
	plan, err := s.FinishPlan(context.Background(), "ks", nil, ring.FullRange(), ProtocolAccord)
	if err != nil {
		t.Fatalf("FinishPlan failed: %v", err)
	}
	if !plan.NothingToDo() {
		t.Errorf("expected nothing to do, got %+v", plan)
	}
}

func TestFinishPlan_RequiresKeyspace(t *testing.T) {
	s := newTestStore(t)
	_, err := s.FinishPlan(context.Background(), "", nil, ring.FullRange(), ProtocolAccord)
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestList_EmptyMapping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	yamlOut, err := s.List(ctx, nil, nil, FormatYAML)
	if err != nil {
		t.Fatalf("List yaml failed: %v", err)
	}
	if strings.TrimSpace(yamlOut) != "{}" {
		t.Errorf("yaml empty mapping = %q", yamlOut)
	}

	jsonOut, err := s.List(ctx, nil, nil, FormatJSON)
	if err != nil {
		t.Fatalf("List json failed: %v", err)
	}
	if jsonOut != "{}" {
		t.Errorf("json empty mapping = %q", jsonOut)
	}

	minified, err := s.List(ctx, nil, nil, FormatMinifiedJSON)
	if err != nil {
		t.Fatalf("List minified-json failed: %v", err)
	}
	if minified != "{}" {
		t.Errorf("minified-json empty mapping = %q", minified)
	}
}

func TestList_MinifiedJSONMatchesJSON(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ref := TableRef{Keyspace: "ks", Table: "tbl"}

	if _, err := s.BeginMigration(ctx, []TableRef{ref}, mustRange(t, 100, 200), ProtocolAccord); err != nil {
		t.Fatalf("BeginMigration failed: %v", err)
	}

	pretty, err := s.List(ctx, nil, nil, FormatJSON)
	if err != nil {
		t.Fatalf("List json failed: %v", err)
	}
	minified, err := s.List(ctx, nil, nil, FormatMinifiedJSON)
	if err != nil {
		t.Fatalf("List minified-json failed: %v", err)
	}

	if strings.Contains(minified, "\n") {
		t.Errorf("minified output is not single-line: %q", minified)
	}
	var compacted bytes.Buffer
	if err := json.Compact(&compacted, []byte(pretty)); err != nil {
		t.Fatalf("json.Compact failed: %v", err)
	}
	if compacted.String() != minified {
		t.Errorf("minified json differs from compacted json:\n%s\nvs\n%s", minified, compacted.String())
	}
}

func TestList_RendersRangeTargetPhase(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ref := TableRef{Keyspace: "ks", Table: "tbl"}

	if _, err := s.BeginMigration(ctx, []TableRef{ref}, mustRange(t, 100, 200), ProtocolAccord); err != nil {
		t.Fatalf("BeginMigration failed: %v", err)
	}

	out, err := s.List(ctx, nil, nil, FormatMinifiedJSON)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	var mapping map[string][]listEntry
	if err := json.Unmarshal([]byte(out), &mapping); err != nil {
		t.Fatalf("output is not valid json: %v", err)
	}
	entries, ok := mapping["ks.tbl"]
	if !ok || len(entries) != 1 {
		t.Fatalf("unexpected mapping %v", mapping)
	}
	e := entries[0]
	if e.Range != "100:200" || e.Target != "accord" || e.Phase != "migrating" {
		t.Errorf("unexpected entry %+v", e)
	}
}

func TestList_FiltersByKeyspaceAndTable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	refs := []TableRef{
		{Keyspace: "ks1", Table: "a"},
		{Keyspace: "ks1", Table: "b"},
		{Keyspace: "ks2", Table: "a"},
	}
	if _, err := s.BeginMigration(ctx, refs, mustRange(t, 0, 100), ProtocolAccord); err != nil {
		t.Fatalf("BeginMigration failed: %v", err)
	}

	out, err := s.List(ctx, []string{"ks1"}, []string{"a"}, FormatMinifiedJSON)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	var mapping map[string][]listEntry
	if err := json.Unmarshal([]byte(out), &mapping); err != nil {
		t.Fatalf("output is not valid json: %v", err)
	}
	if len(mapping) != 1 {
		t.Fatalf("expected 1 table, got %v", mapping)
	}
	if _, ok := mapping["ks1.a"]; !ok {
		t.Errorf("expected ks1.a in %v", mapping)
	}
}

func TestList_YAMLRoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ref := TableRef{Keyspace: "ks", Table: "tbl"}

	if _, err := s.BeginMigration(ctx, []TableRef{ref}, mustRange(t, 100, 200), ProtocolAccord); err != nil {
		t.Fatalf("BeginMigration failed: %v", err)
	}

	for _, format := range []Format{FormatYAML, FormatMinifiedYAML} {
		out, err := s.List(ctx, nil, nil, format)
		if err != nil {
			t.Fatalf("List(%v) failed: %v", format, err)
		}
		var mapping map[string][]listEntry
		if err := yaml.Unmarshal([]byte(out), &mapping); err != nil {
			t.Fatalf("output is not valid yaml: %v\n%s", err, out)
		}
		if len(mapping["ks.tbl"]) != 1 {
			t.Errorf("unexpected mapping %v from %q", mapping, out)
		}
	}

	minified, _ := s.List(ctx, nil, nil, FormatMinifiedYAML)
	if strings.Contains(minified, "\n") {
		t.Errorf("minified yaml is not single-line: %q", minified)
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in   string
		want Format
	}{
		{"", FormatYAML},
		{"yaml", FormatYAML},
		{"json", FormatJSON},
		{"minified-yaml", FormatMinifiedYAML},
		{"minified-json", FormatMinifiedJSON},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if err != nil {
			t.Errorf("ParseFormat(%q) failed: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseFormat(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	if _, err := ParseFormat("xml"); err == nil {
		t.Error("ParseFormat(xml) should fail")
	}
}
