package submission

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/concretelab/mixledger/internal/fanout"
	"github.com/concretelab/mixledger/internal/tablealias"
)

// Text is a JSON string that also accepts numbers and booleans, kept as
// written.
type Text string

func (t *Text) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = Text(s)
		return nil
	}
	*t = Text(data)
	return nil
}

func (t Text) String() string { return string(t) }

func (t Text) blank() bool { return strings.TrimSpace(string(t)) == "" }

// Number is a JSON number that also accepts numeric strings. null, "" and
// non-numeric strings decode as absent.
type Number struct {
	Value float64
	Valid bool
}

func Num(v float64) Number { return Number{Value: v, Valid: true} }

func (n *Number) UnmarshalJSON(data []byte) error {
	*n = Number{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	raw := string(data)
	if data[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return nil
	}
	*n = Number{Value: value, Valid: true}
	return nil
}

func (n Number) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatFloat(n.Value, 'f', -1, 64)), nil
}

// Cell renders absent numbers as empty cells.
func (n Number) Cell() string {
	if !n.Valid {
		return ""
	}
	return strconv.FormatFloat(n.Value, 'f', -1, 64)
}

type AggregateEntry struct {
	Name Text `json:"name"`
	Qty  Text `json:"qty"`
	Unit Text `json:"unit"`
}

func (e AggregateEntry) Blank() bool { return e.Name.blank() && e.Qty.blank() && e.Unit.blank() }

func (e AggregateEntry) Cells() []string {
	return []string{string(e.Name), string(e.Qty), string(e.Unit)}
}

type AdmixtureEntry struct {
	Name   Text `json:"name"`
	Dosage Text `json:"dosage"`
}

func (e AdmixtureEntry) Blank() bool { return e.Name.blank() && e.Dosage.blank() }

func (e AdmixtureEntry) Cells() []string { return []string{string(e.Name), string(e.Dosage)} }

type SCMEntry struct {
	Name    Text `json:"name"`
	Percent Text `json:"percent"`
}

func (e SCMEntry) Blank() bool { return e.Name.blank() && e.Percent.blank() }

func (e SCMEntry) Cells() []string { return []string{string(e.Name), string(e.Percent)} }

type Payload struct {
	InputMode string `json:"inputMode"`

	ClientName       string `json:"clientName"`
	ContactEmail     string `json:"contactEmail"`
	OrganisationType string `json:"organisationType"`
	ContactPerson    string `json:"contactPerson"`
	PhoneNumber      string `json:"phoneNumber"`
	ProjectSite      string `json:"projectSite"`
	CrushDate        string `json:"crushDate"`
	ConcreteType     string `json:"concreteType"`
	CementType       string `json:"cementType"`
	Notes            string `json:"notes"`
	MixRatioString   string `json:"mixRatioString"`

	Slump          Number `json:"slump"`
	AgeDays        Number `json:"ageDays"`
	CubesCount     Number `json:"cubesCount"`
	TargetStrength Number `json:"targetStrength"`
	WCRatio        Number `json:"wcRatio"`

	CementContent Number `json:"cementContent"`
	WaterContent  Number `json:"waterContent"`
	FineAgg       Number `json:"fineAgg"`
	MediumAgg     Number `json:"mediumAgg"`
	CoarseAgg     Number `json:"coarseAgg"`

	RatioCement Number `json:"ratioCement"`
	RatioFine   Number `json:"ratioFine"`
	RatioMedium Number `json:"ratioMedium"`
	RatioCoarse Number `json:"ratioCoarse"`
	RatioWater  Number `json:"ratioWater"`

	FineAggregates   []AggregateEntry `json:"fineAggregates"`
	CoarseAggregates []AggregateEntry `json:"coarseAggregates"`
	Admixtures       []AdmixtureEntry `json:"admixtures"`
	SCMs             []SCMEntry       `json:"scms"`
}

// Validate checks the fields the given mode requires. It runs before any
// identifier is allocated.
func (p Payload) Validate(mode Mode) error {
	required := []struct {
		field string
		value string
	}{
		{"clientName", p.ClientName},
		{"contactEmail", p.ContactEmail},
		{"organisationType", p.OrganisationType},
		{"contactPerson", p.ContactPerson},
		{"phoneNumber", p.PhoneNumber},
		{"projectSite", p.ProjectSite},
		{"crushDate", p.CrushDate},
		{"concreteType", p.ConcreteType},
		{"cementType", p.CementType},
		{"notes", p.Notes},
	}
	for _, field := range required {
		if strings.TrimSpace(field.value) == "" {
			return &ValidationError{Field: field.field, Message: "is required"}
		}
	}
	if !strings.Contains(p.ContactEmail, "@") {
		return &ValidationError{Field: "contactEmail", Message: "must be an email address"}
	}

	numbers := []struct {
		field string
		value Number
	}{
		{"slump", p.Slump},
		{"ageDays", p.AgeDays},
		{"cubesCount", p.CubesCount},
		{"targetStrength", p.TargetStrength},
	}
	switch mode.Key {
	case ModeKg:
		numbers = append(numbers, []struct {
			field string
			value Number
		}{
			{"cementContent", p.CementContent},
			{"waterContent", p.WaterContent},
			{"fineAgg", p.FineAgg},
			{"mediumAgg", p.MediumAgg},
			{"coarseAgg", p.CoarseAgg},
		}...)
	case ModeRatio:
		numbers = append(numbers, []struct {
			field string
			value Number
		}{
			{"ratioCement", p.RatioCement},
			{"ratioFine", p.RatioFine},
			{"ratioMedium", p.RatioMedium},
			{"ratioCoarse", p.RatioCoarse},
			{"ratioWater", p.RatioWater},
		}...)
	}
	for _, number := range numbers {
		if !number.value.Valid {
			return &ValidationError{Field: number.field, Message: "is required"}
		}
		if number.value.Value < 0 {
			return &ValidationError{Field: number.field, Message: "must not be negative"}
		}
	}

	for i, entry := range p.Admixtures {
		if !entry.Blank() && (entry.Name.blank() || entry.Dosage.blank()) {
			return &ValidationError{Field: "admixtures[" + strconv.Itoa(i) + "]", Message: "name and dosage are both required"}
		}
	}
	for i, entry := range p.SCMs {
		if !entry.Blank() && (entry.Name.blank() || entry.Percent.blank()) {
			return &ValidationError{Field: "scms[" + strconv.Itoa(i) + "]", Message: "name and percent are both required"}
		}
	}
	return nil
}

// MasterRow renders the master ledger row in the mode's header order.
func (p Payload) MasterRow(mode Mode, recordID, timestamp string) []string {
	row := []string{
		recordID,
		timestamp,
		p.ClientName,
		p.ContactEmail,
		p.OrganisationType,
		p.ContactPerson,
		p.PhoneNumber,
		p.ProjectSite,
		p.CrushDate,
		p.ConcreteType,
		p.CementType,
		p.Slump.Cell(),
		p.AgeDays.Cell(),
		p.CubesCount.Cell(),
		p.TargetStrength.Cell(),
	}
	switch mode.Key {
	case ModeKg:
		row = append(row,
			p.CementContent.Cell(),
			p.WaterContent.Cell(),
			p.FineAgg.Cell(),
			p.MediumAgg.Cell(),
			p.CoarseAgg.Cell(),
		)
	default:
		cement := p.RatioCement
		if !cement.Valid || cement.Value == 0 {
			cement = Num(1)
		}
		row = append(row,
			cement.Cell(),
			p.RatioFine.Cell(),
			p.RatioMedium.Cell(),
			p.RatioCoarse.Cell(),
			p.RatioWater.Cell(),
		)
	}
	return append(row, p.waterCementRatio(mode).Cell(), p.MixRatioString, p.Notes)
}

// waterCementRatio prefers the submitted value and otherwise derives it from
// the mix, rounded to two places.
func (p Payload) waterCementRatio(mode Mode) Number {
	if p.WCRatio.Valid {
		return p.WCRatio
	}
	water, cement := p.RatioWater, p.RatioCement
	if mode.Key == ModeKg {
		water, cement = p.WaterContent, p.CementContent
	} else if !cement.Valid || cement.Value == 0 {
		cement = Num(1)
	}
	if !water.Valid || !cement.Valid || cement.Value == 0 {
		return Number{}
	}
	return Num(math.Round(water.Value/cement.Value*100) / 100)
}

// Collections returns the payload's detail collections in a fixed order.
func (p Payload) Collections() []fanout.Collection {
	return []fanout.Collection{
		{Logical: tablealias.FineAggregateDetail, Entries: entries(p.FineAggregates)},
		{Logical: tablealias.CoarseAggregateDetail, Entries: entries(p.CoarseAggregates)},
		{Logical: tablealias.AdmixtureDetail, Entries: entries(p.Admixtures)},
		{Logical: tablealias.SCMDetail, Entries: entries(p.SCMs)},
	}
}

func entries[T fanout.Entry](items []T) []fanout.Entry {
	out := make([]fanout.Entry, 0, len(items))
	for _, item := range items {
		out = append(out, item)
	}
	return out
}
