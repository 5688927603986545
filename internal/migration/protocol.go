// Package migration tracks, per token range per table, which consensus
// protocol governs the range and where it stands in the migration between
// protocols. All mutations are serialized through the metadata log.
package migration

import "fmt"

// Protocol identifies a consensus protocol for linearizable operations.
type Protocol int

const (
	// ProtocolPaxos is the legacy leader-election quorum protocol.
	ProtocolPaxos Protocol = iota
	// ProtocolAccord is the leaderless per-key consensus protocol.
	ProtocolAccord
)

func (p Protocol) String() string {
	switch p {
	case ProtocolPaxos:
		return "paxos"
	case ProtocolAccord:
		return "accord"
	default:
		return fmt.Sprintf("protocol(%d)", int(p))
	}
}

// ParseProtocol parses "paxos" or "accord".
func ParseProtocol(s string) (Protocol, error) {
	switch s {
	case "paxos":
		return ProtocolPaxos, nil
	case "accord":
		return ProtocolAccord, nil
	default:
		return 0, &ConfigurationError{Reason: fmt.Sprintf("unknown consensus protocol %q (expected paxos or accord)", s)}
	}
}

// Other returns the opposite protocol.
func (p Protocol) Other() Protocol {
	if p == ProtocolPaxos {
		return ProtocolAccord
	}
	return ProtocolPaxos
}

func (p Protocol) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Protocol) UnmarshalText(text []byte) error {
	parsed, err := ParseProtocol(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Phase is the migration phase of a token range.
type Phase int

const (
	PhaseNotMigrating Phase = iota
	PhaseMigrating
	PhaseAwaitingRepairFirstPhase
	PhaseAwaitingRepairSecondPhase
	PhaseMigrated
)

var phaseNames = map[Phase]string{
	PhaseNotMigrating:              "not_migrating",
	PhaseMigrating:                 "migrating",
	PhaseAwaitingRepairFirstPhase:  "awaiting_repair_first_phase",
	PhaseAwaitingRepairSecondPhase: "awaiting_repair_second_phase",
	PhaseMigrated:                  "migrated",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// ParsePhase parses the string form produced by String.
func ParsePhase(s string) (Phase, error) {
	for phase, name := range phaseNames {
		if name == s {
			return phase, nil
		}
	}
	return 0, fmt.Errorf("unknown migration phase %q", s)
}

// NeedsFirstRepair reports whether the phase still requires the first
// repair round.
func (p Phase) NeedsFirstRepair() bool {
	return p == PhaseMigrating || p == PhaseAwaitingRepairFirstPhase
}

// NeedsSecondRepair reports whether the phase requires the second,
// consensus-only repair round.
func (p Phase) NeedsSecondRepair() bool {
	return p == PhaseAwaitingRepairSecondPhase
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(text []byte) error {
	parsed, err := ParsePhase(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
