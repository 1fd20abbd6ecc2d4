// Package recordid encodes, decodes and increments ledger record identifiers
// of the form PREFIX-LETTERSNNNNN.
package recordid

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

const (
	MinNumber   = 1
	MaxNumber   = 99999
	numberWidth = 5
)

// ID is the prefix-free part of a record identifier.
type ID struct {
	Letters string
	Number  int
}

// Bootstrap is the identifier handed out when a ledger has nothing decodable.
var Bootstrap = ID{Letters: "A", Number: MinNumber}

// Codec decodes and encodes identifiers for one prefix.
type Codec struct {
	prefix  string
	pattern *regexp.Regexp
}

var codecCache sync.Map

func NewCodec(prefix string) *Codec {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if cached, ok := codecCache.Load(prefix); ok {
		return cached.(*Codec)
	}
	codec := &Codec{
		prefix:  prefix,
		pattern: regexp.MustCompile(`^` + regexp.QuoteMeta(prefix) + `-([A-Z]+)(\d{5})$`),
	}
	actual, _ := codecCache.LoadOrStore(prefix, codec)
	return actual.(*Codec)
}

func (c *Codec) Prefix() string {
	return c.prefix
}

// Decode parses text case-insensitively. Surrounding whitespace is ignored.
func (c *Codec) Decode(text string) (ID, bool) {
	match := c.pattern.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(text)))
	if match == nil {
		return ID{}, false
	}
	number, err := strconv.Atoi(match[2])
	if err != nil {
		return ID{}, false
	}
	return ID{Letters: match[1], Number: number}, true
}

func (c *Codec) Encode(id ID) string {
	return fmt.Sprintf("%s-%s%0*d", c.prefix, normalizeLetters(id.Letters), numberWidth, id.Number)
}

func Decode(text, prefix string) (ID, bool) {
	return NewCodec(prefix).Decode(text)
}

func Encode(id ID, prefix string) string {
	return NewCodec(prefix).Encode(id)
}

// Increment returns the identifier after id. Numbers wrap from MaxNumber back
// to MinNumber and carry into the letters.
func (id ID) Increment() ID {
	letters := normalizeLetters(id.Letters)
	next := id.Number + 1
	if next > MaxNumber || next < MinNumber {
		return ID{Letters: NextAlpha(letters), Number: MinNumber}
	}
	return ID{Letters: letters, Number: next}
}

func (id ID) String() string {
	return fmt.Sprintf("%s%0*d", normalizeLetters(id.Letters), numberWidth, id.Number)
}

// NextAlpha treats letters as a bijective base-26 numeral (A=1, Z=26, AA=27)
// and returns the numeral one greater.
func NextAlpha(letters string) string {
	digits := []byte(normalizeLetters(letters))
	for i := len(digits) - 1; i >= 0; i-- {
		if digits[i] < 'Z' {
			digits[i]++
			return string(digits)
		}
		digits[i] = 'A'
	}
	return "A" + string(digits)
}

func normalizeLetters(letters string) string {
	letters = strings.ToUpper(strings.TrimSpace(letters))
	if letters == "" {
		return "A"
	}
	var b strings.Builder
	for _, r := range letters {
		if r >= 'A' && r <= 'Z' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "A"
	}
	return b.String()
}
