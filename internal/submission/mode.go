package submission

import (
	"sort"
	"strings"

	"github.com/concretelab/mixledger/internal/recordid"
	"github.com/concretelab/mixledger/internal/tablealias"
)

const (
	ModeRatio = "ratio"
	ModeKg    = "kg"

	DefaultRatioPrefix = "UNILAG-CLR"
	DefaultKgPrefix    = "UNILAG-CLK"
)

var commonMasterHeader = []string{
	"Application No",
	"Timestamp",
	"Client Name",
	"Contact Email",
	"Organisation Type",
	"Contact Person",
	"Phone Number",
	"Project Site",
	"Crush Date",
	"Concrete Type",
	"Cement Type",
	"Slump/Flow (mm)",
	"Age (days)",
	"No. of Cubes",
	"Target Strength (MPa)",
}

// Mode owns an identifier prefix and a master ledger. Modes never share
// either.
type Mode struct {
	Key    string
	Label  string
	Prefix string
	Master tablealias.Table
}

func (m Mode) Codec() *recordid.Codec {
	return recordid.NewCodec(m.Prefix)
}

func RatioMode(prefix string) Mode {
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultRatioPrefix
	}
	return Mode{
		Key:    ModeRatio,
		Label:  "Ratio",
		Prefix: prefix,
		Master: tablealias.Table{
			Logical: tablealias.MasterRecord,
			Aliases: []string{"Research Master Sheet - Ratio", "Master Sheet - Ratio", "Ratio Master"},
			Header: append(append([]string{}, commonMasterHeader...),
				"Ratio Cement", "Ratio Fine", "Ratio Medium", "Ratio Coarse", "Ratio Water",
				"W/C Ratio", "Mix Ratio", "Notes"),
		},
	}
}

func KgMode(prefix string) Mode {
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultKgPrefix
	}
	return Mode{
		Key:    ModeKg,
		Label:  "Kg/m3",
		Prefix: prefix,
		Master: tablealias.Table{
			Logical: tablealias.MasterRecord,
			Aliases: []string{"Research Master Sheet - Kg/m3", "Research Master Sheet - Kg/m³", "Master Sheet - Kg/m3", "Kg Master"},
			Header: append(append([]string{}, commonMasterHeader...),
				"Cement (kg/m3)", "Water (kg/m3)", "Fine (kg/m3)", "Medium (kg/m3)", "Coarse (kg/m3)",
				"W/C Ratio", "Mix Ratio", "Notes"),
		},
	}
}

// DetailTables returns the detail tables shared by every mode. The Mode
// column of each detail row tells modes apart.
func DetailTables() []tablealias.Table {
	return []tablealias.Table{
		{
			Logical: tablealias.FineAggregateDetail,
			Aliases: []string{"Research Fine Aggregates", "Fine Aggregates"},
			Header:  []string{"Application No", "Mode", "Row No", "Fine Aggregate Name", "Quantity", "Unit"},
		},
		{
			Logical: tablealias.CoarseAggregateDetail,
			Aliases: []string{"Research Coarse Aggregates", "Coarse Aggregates"},
			Header:  []string{"Application No", "Mode", "Row No", "Coarse Aggregate Name", "Quantity", "Unit"},
		},
		{
			Logical: tablealias.AdmixtureDetail,
			Aliases: []string{"Research Admixtures", "Admixtures"},
			Header:  []string{"Application No", "Mode", "Row No", "Admixture Name", "Dosage (L/100kg cement)"},
		},
		{
			Logical: tablealias.SCMDetail,
			Aliases: []string{"Research SCMs", "SCMs", "Supplementary Cementitious Materials"},
			Header:  []string{"Application No", "Mode", "Row No", "SCM Name", "Percent (%)"},
		},
	}
}

// ModeSet is read-only after construction and safe to share.
type ModeSet struct {
	modes map[string]Mode
}

func NewModeSet(modes ...Mode) ModeSet {
	set := ModeSet{modes: make(map[string]Mode, len(modes))}
	for _, mode := range modes {
		set.modes[mode.Key] = mode
	}
	return set
}

func DefaultModeSet(ratioPrefix, kgPrefix string) ModeSet {
	return NewModeSet(RatioMode(ratioPrefix), KgMode(kgPrefix))
}

// Lookup accepts the selectors the entry form has used over time:
// "ratio", and "kg", "kg/m3", "kgm3" or "kg/m³" for mass per volume.
func (s ModeSet) Lookup(selector string) (Mode, error) {
	key := NormalizeModeKey(selector)
	mode, ok := s.modes[key]
	if !ok {
		return Mode{}, &ValidationError{Field: "inputMode", Message: "expected 'ratio' or 'kg'"}
	}
	return mode, nil
}

func (s ModeSet) Modes() []Mode {
	out := make([]Mode, 0, len(s.modes))
	for _, mode := range s.modes {
		out = append(out, mode)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func NormalizeModeKey(selector string) string {
	switch strings.ToLower(strings.TrimSpace(selector)) {
	case "ratio":
		return ModeRatio
	case "kg", "kg/m3", "kgm3", "kg/m³":
		return ModeKg
	default:
		return strings.ToLower(strings.TrimSpace(selector))
	}
}
