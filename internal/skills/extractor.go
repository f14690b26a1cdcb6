// Package skills turns free text into a set of known skill tokens.
package skills

import (
	"errors"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/ChuLiYu/talent-match/pkg/types"
)

// MinTextLength is the shortest CV text considered worth analysing.
const MinTextLength = 10

// ErrTextTooShort is returned by ExtractFromCV for near-empty CV text.
var ErrTextTooShort = errors.New("cv text too short for analysis")

// shortTokenRunes marks tokens that must match as whole words.
const shortTokenRunes = 2

type entry struct {
	token string
	short bool
}

// Extractor matches text against a fixed keyword dictionary. It holds no
// mutable state and is safe for concurrent use.
type Extractor struct {
	entries []entry
}

// New builds an extractor over the given keywords.
func New(keywords []string) *Extractor {
	seen := make(map[string]struct{}, len(keywords))
	entries := make([]entry, 0, len(keywords))
	for _, kw := range keywords {
		tok := Normalize(kw)
		if tok == "" {
			continue
		}
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		entries = append(entries, entry{
			token: tok,
			short: utf8.RuneCountInString(tok) <= shortTokenRunes,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].token < entries[j].token })
	return &Extractor{entries: entries}
}

var defaultExtractor = New(Keywords())

// Default returns the extractor over the built-in multilingual dictionary.
func Default() *Extractor { return defaultExtractor }

// Extract returns every dictionary skill found in text. Empty or
// unreadable input yields an empty set.
func (e *Extractor) Extract(text string) types.SkillSet {
	t := Normalize(text)
	if t == "" {
		return types.SkillSet{}
	}

	var hits []string
	for _, en := range e.entries {
		if en.short {
			if containsWord(t, en.token) {
				hits = append(hits, en.token)
			}
			continue
		}
		if strings.Contains(t, en.token) {
			hits = append(hits, en.token)
		}
	}
	return types.NewSkillSet(hits...)
}

// ExtractFromCV is Extract with a minimum-length check for CV text.
func (e *Extractor) ExtractFromCV(text string) (types.SkillSet, error) {
	if utf8.RuneCountInString(strings.TrimSpace(text)) < MinTextLength {
		return types.SkillSet{}, ErrTextTooShort
	}
	return e.Extract(text), nil
}

// Normalize prepares text for matching: invalid UTF-8 is dropped, the text
// is NFC-composed, lower-cased and whitespace runs collapse to one space.
func Normalize(text string) string {
	if text == "" {
		return ""
	}
	t := strings.ToValidUTF8(text, " ")
	t = norm.NFC.String(t)
	t = strings.ToLower(t)
	return strings.Join(strings.Fields(t), " ")
}

// containsWord reports whether tok occurs in text without a letter or digit
// on either side.
func containsWord(text, tok string) bool {
	from := 0
	for from <= len(text)-len(tok) {
		i := strings.Index(text[from:], tok)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(tok)
		if !wordRuneBefore(text, start) && !wordRuneAfter(text, end) {
			return true
		}
		_, size := utf8.DecodeRuneInString(text[start:])
		from = start + size
	}
	return false
}

func wordRuneBefore(text string, i int) bool {
	if i == 0 {
		return false
	}
	r, _ := utf8.DecodeLastRuneInString(text[:i])
	return isWordRune(r)
}

func wordRuneAfter(text string, i int) bool {
	if i >= len(text) {
		return false
	}
	r, _ := utf8.DecodeRuneInString(text[i:])
	return isWordRune(r)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
