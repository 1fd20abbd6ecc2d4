// Package tablealias maps logical ledger tables to whichever historically
// used concrete table name currently exists in the backing store.
package tablealias

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

type LogicalTable int

const (
	MasterRecord LogicalTable = iota
	FineAggregateDetail
	CoarseAggregateDetail
	AdmixtureDetail
	SCMDetail
)

var DetailTables = []LogicalTable{
	FineAggregateDetail,
	CoarseAggregateDetail,
	AdmixtureDetail,
	SCMDetail,
}

func (l LogicalTable) String() string {
	switch l {
	case MasterRecord:
		return "master"
	case FineAggregateDetail:
		return "fineAggregates"
	case CoarseAggregateDetail:
		return "coarseAggregates"
	case AdmixtureDetail:
		return "admixtures"
	case SCMDetail:
		return "scms"
	default:
		return "unknown"
	}
}

// Table is a logical table with its aliases in priority order. The first
// alias is the name used when the table has to be created.
type Table struct {
	Logical LogicalTable
	Aliases []string
	Header  []string
}

func (t Table) Canonical() string {
	if len(t.Aliases) == 0 {
		return ""
	}
	return strings.TrimSpace(t.Aliases[0])
}

// Normalize folds case, applies NFKC and collapses runs of whitespace.
func Normalize(name string) string {
	folded := cases.Fold().String(norm.NFKC.String(name))
	return strings.Join(strings.Fields(folded), " ")
}

// Resolve returns the concrete name, as spelled in existing, of the
// highest-priority alias present. It never caches: callers pass the live
// table list on every call.
func Resolve(aliases []string, existing []string) (string, bool) {
	if len(aliases) == 0 || len(existing) == 0 {
		return "", false
	}
	byNormalized := make(map[string]string, len(existing))
	for _, name := range existing {
		key := Normalize(name)
		if key == "" {
			continue
		}
		if _, seen := byNormalized[key]; !seen {
			byNormalized[key] = name
		}
	}
	for _, alias := range aliases {
		if concrete, ok := byNormalized[Normalize(alias)]; ok {
			return concrete, true
		}
	}
	return "", false
}

func (t Table) Resolve(existing []string) (string, bool) {
	return Resolve(t.Aliases, existing)
}

// ResolveAll resolves every table against one listing. Tables that do not
// resolve are absent from the result.
func ResolveAll(tables []Table, existing []string) map[LogicalTable]string {
	resolved := make(map[LogicalTable]string, len(tables))
	for _, table := range tables {
		if concrete, ok := table.Resolve(existing); ok {
			resolved[table.Logical] = concrete
		}
	}
	return resolved
}
