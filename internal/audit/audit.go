// Package audit inspects a ledger's identifier column for the damage the
// tail-based allocator can cause or trip over: duplicate identifiers from
// racing submissions, cells that do not decode, and identifiers that go
// backwards.
package audit

import (
	"sort"
	"strings"

	"github.com/concretelab/mixledger/internal/allocator"
	"github.com/concretelab/mixledger/internal/recordid"
)

type Cell struct {
	Row   int    `json:"row"`
	Value string `json:"value"`
}

type Duplicate struct {
	RecordID string `json:"recordId"`
	Rows     []int  `json:"rows"`
}

type Report struct {
	Mode        string      `json:"mode,omitempty"`
	Table       string      `json:"table,omitempty"`
	Prefix      string      `json:"prefix"`
	Rows        int         `json:"rows"`
	Valid       int         `json:"valid"`
	Blank       int         `json:"blank"`
	Malformed   []Cell      `json:"malformed"`
	Duplicates  []Duplicate `json:"duplicates"`
	Regressions []Cell      `json:"regressions"`
	Last        string      `json:"last,omitempty"`
	Next        string      `json:"next"`
}

func (r Report) Healthy() bool {
	return len(r.Duplicates) == 0 && len(r.Malformed) == 0 && len(r.Regressions) == 0
}

// Scan reads a column snapshot with the header at index 0. Row numbers in the
// report are snapshot indexes.
func Scan(column []string, codec *recordid.Codec) Report {
	report := Report{
		Prefix:      codec.Prefix(),
		Malformed:   []Cell{},
		Duplicates:  []Duplicate{},
		Regressions: []Cell{},
	}
	if len(column) > 1 {
		report.Rows = len(column) - 1
	}

	seen := map[string][]int{}
	var highest recordid.ID
	haveHighest := false
	for i := 1; i < len(column); i++ {
		value := strings.TrimSpace(column[i])
		if value == "" {
			report.Blank++
			continue
		}
		id, ok := codec.Decode(value)
		if !ok {
			report.Malformed = append(report.Malformed, Cell{Row: i, Value: column[i]})
			continue
		}
		report.Valid++
		text := codec.Encode(id)
		seen[text] = append(seen[text], i)
		if haveHighest && Compare(id, highest) <= 0 && len(seen[text]) == 1 {
			report.Regressions = append(report.Regressions, Cell{Row: i, Value: column[i]})
		}
		if !haveHighest || Compare(id, highest) > 0 {
			highest = id
			haveHighest = true
		}
	}
	for text, rows := range seen {
		if len(rows) > 1 {
			report.Duplicates = append(report.Duplicates, Duplicate{RecordID: text, Rows: rows})
		}
	}
	sort.Slice(report.Duplicates, func(i, j int) bool {
		return report.Duplicates[i].Rows[0] < report.Duplicates[j].Rows[0]
	})

	tail := allocator.FindTail(column, codec)
	if tail.Found {
		report.Last = codec.Encode(tail.ID)
	}
	report.Next = codec.Encode(allocator.Next(column, codec))
	return report
}

// Compare orders identifiers by letters as a bijective base-26 numeral, then
// by number.
func Compare(a, b recordid.ID) int {
	if len(a.Letters) != len(b.Letters) {
		if len(a.Letters) < len(b.Letters) {
			return -1
		}
		return 1
	}
	if c := strings.Compare(a.Letters, b.Letters); c != 0 {
		return c
	}
	switch {
	case a.Number < b.Number:
		return -1
	case a.Number > b.Number:
		return 1
	default:
		return 0
	}
}
