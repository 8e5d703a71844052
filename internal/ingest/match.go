package ingest

import (
	"strings"
	"unicode"
)

// MatchPass names the rule that paired a field with a header.
type MatchPass string

const (
	MatchExact     MatchPass = "exact"
	MatchWords     MatchPass = "words"
	MatchSubstring MatchPass = "substring"
)

// minSubstringLen guards the substring pass against short spurious hits
// ("id" in "paid").
const minSubstringLen = 4

var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "of": true, "and": true, "or": true,
	"to": true, "for": true, "in": true, "on": true, "at": true, "by": true,
	"with": true, "is": true, "no": true, "num": true,
}

// ColumnMapping pairs a schema field with the header it was read from.
type ColumnMapping struct {
	Field  string    `json:"field"`
	Header string    `json:"header"`
	Match  MatchPass `json:"match"`
}

// MatchColumns assigns headers to fields. Each pass runs over every still
// unmatched field in schema order; each header is used at most once.
// It returns the mappings in schema order and the headers nothing matched.
func MatchColumns(fields []FieldDef, headers []string) ([]ColumnMapping, []string) {
	used := make(map[int]bool, len(headers))
	byField := make(map[string]ColumnMapping, len(fields))

	passes := []struct {
		name MatchPass
		fn   func(header, candidate string) bool
	}{
		{MatchExact, exactMatch},
		{MatchWords, wordsMatch},
		{MatchSubstring, substringMatch},
	}
	for _, pass := range passes {
		for _, f := range fields {
			if _, done := byField[f.Key]; done {
				continue
			}
			if hi, ok := findHeader(f, headers, used, pass.fn); ok {
				used[hi] = true
				byField[f.Key] = ColumnMapping{Field: f.Key, Header: headers[hi], Match: pass.name}
			}
		}
	}

	mappings := make([]ColumnMapping, 0, len(byField))
	for _, f := range fields {
		if m, ok := byField[f.Key]; ok {
			mappings = append(mappings, m)
		}
	}
	var unmatched []string
	for i, h := range headers {
		if !used[i] {
			unmatched = append(unmatched, h)
		}
	}
	return mappings, unmatched
}

func findHeader(f FieldDef, headers []string, used map[int]bool, match func(string, string) bool) (int, bool) {
	cands := f.candidates()
	for i, h := range headers {
		if used[i] {
			continue
		}
		for _, c := range cands {
			if match(h, c) {
				return i, true
			}
		}
	}
	return 0, false
}

func exactMatch(header, candidate string) bool {
	return strings.EqualFold(strings.TrimSpace(header), strings.TrimSpace(candidate))
}

// wordsMatch holds when every significant word of candidate appears in header.
func wordsMatch(header, candidate string) bool {
	sig := significant(words(candidate))
	if len(sig) == 0 {
		return false
	}
	have := make(map[string]bool)
	for _, w := range words(header) {
		have[w] = true
	}
	for _, w := range sig {
		if !have[w] {
			return false
		}
	}
	return true
}

func substringMatch(header, candidate string) bool {
	h, c := normalize(header), normalize(candidate)
	if len(h) < minSubstringLen || len(c) < minSubstringLen {
		return false
	}
	return strings.Contains(h, c) || strings.Contains(c, h)
}

func significant(ws []string) []string {
	out := ws[:0:0]
	for _, w := range ws {
		if !stopWords[w] {
			out = append(out, w)
		}
	}
	return out
}

// normalize lowercases s and drops everything but letters and digits.
func normalize(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// words splits s on punctuation, spaces and lower-to-upper camel boundaries.
func words(s string) []string {
	var out []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			out = append(out, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}
	rs := []rune(s)
	for i, r := range rs {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			flush()
			continue
		}
		if i > 0 && unicode.IsUpper(r) && unicode.IsLower(rs[i-1]) {
			flush()
		}
		cur = append(cur, r)
	}
	flush()
	return out
}

func lowerCamel(s string) string {
	ws := words(s)
	if len(ws) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(ws[0])
	for _, w := range ws[1:] {
		rs := []rune(w)
		rs[0] = unicode.ToUpper(rs[0])
		b.WriteString(string(rs))
	}
	return b.String()
}
