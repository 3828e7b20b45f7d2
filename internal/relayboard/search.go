package relayboard

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/agentworkforce/relayboard/internal/display"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var punctuationReplacer = strings.NewReplacer("`", "'", "\u00a0", " ")

// basicize folds a word for matching: lower case, common punctuation
// variants unified, diacritics dropped.
func basicize(s string) string {
	s = punctuationReplacer.Replace(cases.Lower(language.Und).String(s))
	t := transform.Chain(norm.NFD, runes.Remove(runes.Predicate(func(r rune) bool {
		return r > unicode.MaxASCII && !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})))
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// Search returns the records whose name contains every word of query, each
// query word being a substring of some name word. Results are newest first.
func (b *Board) Search(query string) []Record {
	var words []string
	for _, w := range strings.Split(query, " ") {
		words = append(words, basicize(w))
	}
	var out []Record
	for _, r := range b.entities {
		if matchesAll(words, r.Name()) {
			out = append(out, r)
		}
	}
	sortNewestFirst(out)
	return out
}

func matchesAll(queryWords []string, name string) bool {
	var nameWords []string
	for _, w := range strings.Split(name, " ") {
		nameWords = append(nameWords, basicize(w))
	}
	for _, q := range queryWords {
		found := false
		for _, n := range nameWords {
			if strings.Contains(n, q) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Resolve finds the one record a user criterion designates. A numeric
// criterion is an id; anything else is a search that must match exactly
// one record.
func (b *Board) Resolve(criterion string) (Record, error) {
	criterion = strings.TrimSpace(criterion)
	if criterion == "" {
		return nil, fmt.Errorf("%w: empty criterion", ErrInvalidInput)
	}
	if id, err := strconv.ParseUint(criterion, 10, 64); err == nil {
		r, ok := b.entities[id]
		if !ok {
			return nil, notFound(id)
		}
		return r, nil
	}
	matches := b.Search(criterion)
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("no entity matches %q: %w", criterion, display.ErrObjectNotFound)
	case 1:
		return matches[0], nil
	default:
		return nil, &AmbiguousError{Criterion: criterion, Matches: len(matches)}
	}
}
