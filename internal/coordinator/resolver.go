package coordinator

import (
	"fmt"
	"sort"

	"github.com/stratumdb/stratum/internal/config"
	"github.com/stratumdb/stratum/internal/migration"
)

// Resolver maps operator-supplied names onto the keyspaces and tables
// this node manages. Unknown names are configuration errors, not silent
// no-ops, so a typo cannot quietly migrate nothing.
type Resolver interface {
	// ResolveKeyspaces validates keyspace names. An empty input resolves
	// to every managed keyspace.
	ResolveKeyspaces(keyspaces []string) ([]string, error)
	// ResolveTables validates table names within one keyspace. An empty
	// input resolves to every table of the keyspace.
	ResolveTables(keyspace string, tables []string) ([]migration.TableRef, error)
}

// ConfigResolver resolves against the statically configured set of
// managed keyspaces.
type ConfigResolver struct {
	cfg config.MigrationConfig
}

// NewConfigResolver creates a resolver over the migration section of the
// node configuration.
func NewConfigResolver(cfg config.MigrationConfig) *ConfigResolver {
	return &ConfigResolver{cfg: cfg}
}

func (r *ConfigResolver) ResolveKeyspaces(keyspaces []string) ([]string, error) {
	if len(keyspaces) == 0 {
		names := make([]string, 0, len(r.cfg.Keyspaces))
		for _, ks := range r.cfg.Keyspaces {
			names = append(names, ks.Name)
		}
		sort.Strings(names)
		return names, nil
	}

	resolved := make([]string, 0, len(keyspaces))
	for _, name := range keyspaces {
		if r.cfg.ManagedKeyspace(name) == nil {
			return nil, &migration.ConfigurationError{
				Reason: fmt.Sprintf("keyspace %q is not managed by this node", name),
			}
		}
		resolved = append(resolved, name)
	}
	sort.Strings(resolved)
	return resolved, nil
}

func (r *ConfigResolver) ResolveTables(keyspace string, tables []string) ([]migration.TableRef, error) {
	ks := r.cfg.ManagedKeyspace(keyspace)
	if ks == nil {
		return nil, &migration.ConfigurationError{
			Reason: fmt.Sprintf("keyspace %q is not managed by this node", keyspace),
		}
	}

	if len(tables) == 0 {
		refs := make([]migration.TableRef, 0, len(ks.Tables))
		for _, tbl := range ks.Tables {
			refs = append(refs, migration.TableRef{Keyspace: keyspace, Table: tbl})
		}
		sort.Slice(refs, func(i, j int) bool { return refs[i].Table < refs[j].Table })
		return refs, nil
	}

	known := make(map[string]bool, len(ks.Tables))
	for _, tbl := range ks.Tables {
		known[tbl] = true
	}

	refs := make([]migration.TableRef, 0, len(tables))
	for _, tbl := range tables {
		if !known[tbl] {
			return nil, &migration.ConfigurationError{
				Reason: fmt.Sprintf("table %q does not exist in keyspace %q", tbl, keyspace),
			}
		}
		refs = append(refs, migration.TableRef{Keyspace: keyspace, Table: tbl})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Table < refs[j].Table })
	return refs, nil
}
