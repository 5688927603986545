package migration

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format selects the rendering of List output.
type Format int

const (
	FormatYAML Format = iota
	FormatJSON
	FormatMinifiedYAML
	FormatMinifiedJSON
)

// ParseFormat parses "yaml" (default when empty) or "json", optionally
// prefixed with "minified-" to disable pretty-printing.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "yaml":
		return FormatYAML, nil
	case "json":
		return FormatJSON, nil
	case "minified-yaml":
		return FormatMinifiedYAML, nil
	case "minified-json":
		return FormatMinifiedJSON, nil
	default:
		return 0, &ConfigurationError{Reason: fmt.Sprintf("unknown list format %q (expected yaml, json, minified-yaml or minified-json)", s)}
	}
}

// listEntry is one migrating range as rendered for operators.
type listEntry struct {
	Range  string `json:"range" yaml:"range"`
	Target string `json:"target" yaml:"target"`
	Phase  string `json:"phase" yaml:"phase"`
}

// List renders all active migrating ranges matching the filters as a
// mapping from "keyspace.table" to its range list. Pure read.
func (s *StateStore) List(ctx context.Context, keyspaces, tables []string, format Format) (string, error) {
	cs, _, err := s.snapshot(ctx)
	if err != nil {
		return "", err
	}

	mapping := make(map[string][]listEntry)
	for _, ts := range cs.Tables {
		if !ts.match(keyspaces, tables) || len(ts.Ranges) == 0 {
			continue
		}
		entries := make([]listEntry, 0, len(ts.Ranges))
		for _, mr := range ts.Ranges {
			entries = append(entries, listEntry{
				Range:  mr.Range.String(),
				Target: mr.Target.String(),
				Phase:  mr.Phase.String(),
			})
		}
		mapping[ts.Ref().String()] = entries
	}

	switch format {
	case FormatJSON:
		data, err := json.MarshalIndent(mapping, "", "  ")
		if err != nil {
			return "", fmt.Errorf("failed to render migration state: %w", err)
		}
		return string(data), nil
	case FormatMinifiedJSON:
		data, err := json.Marshal(mapping)
		if err != nil {
			return "", fmt.Errorf("failed to render migration state: %w", err)
		}
		return string(data), nil
	case FormatYAML, FormatMinifiedYAML:
		return renderYAML(mapping, format == FormatMinifiedYAML)
	default:
		return "", &ConfigurationError{Reason: fmt.Sprintf("unknown list format %d", format)}
	}
}

// renderYAML builds the document as an explicit node tree so the keyspace
// ordering is deterministic. The minified variant uses flow style, which
// collapses the document to one line.
func renderYAML(mapping map[string][]listEntry, minified bool) (string, error) {
	style := yaml.Style(0)
	if minified {
		style = yaml.FlowStyle
	}

	root := &yaml.Node{Kind: yaml.MappingNode, Style: style}
	if len(mapping) == 0 {
		root.Style = yaml.FlowStyle
	}

	keys := make([]string, 0, len(mapping))
	for k := range mapping {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		seq := &yaml.Node{Kind: yaml.SequenceNode, Style: style}
		for _, e := range mapping[k] {
			seq.Content = append(seq.Content, &yaml.Node{
				Kind:  yaml.MappingNode,
				Style: style,
				Content: []*yaml.Node{
					scalarNode("range"), scalarNode(e.Range),
					scalarNode("target"), scalarNode(e.Target),
					scalarNode("phase"), scalarNode(e.Phase),
				},
			})
		}
		root.Content = append(root.Content, scalarNode(k), seq)
	}

	out, err := yaml.Marshal(root)
	if err != nil {
		return "", fmt.Errorf("failed to render migration state: %w", err)
	}
	if minified {
		return strings.TrimRight(string(out), "\n"), nil
	}
	return string(out), nil
}

func scalarNode(value string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Value: value}
}
