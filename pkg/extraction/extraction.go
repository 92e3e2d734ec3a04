// ABOUTME: Keyword-based preference extraction for chat turns
// ABOUTME: Finds city, date, time-of-day and event type in free text

package extraction

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/nainya/concierge/pkg/conversation"
	"github.com/nainya/concierge/pkg/corpus"
)

// Extractor turns a message into preferences. Every field of the result is
// either a value or absent.
type Extractor interface {
	ExtractPreferences(ctx context.Context, text string) (conversation.Preferences, error)
}

// LocationHeuristic is the fallback location finder run over raw text
type LocationHeuristic interface {
	ExtractLocation(ctx context.Context, text string) (string, bool)
}

// ParseField reads a collaborator-provided value; blank and "none" are absent
func ParseField(v string) conversation.Field {
	v = strings.TrimSpace(v)
	if strings.EqualFold(v, "none") {
		return conversation.None()
	}
	return conversation.Some(v)
}

var defaultAliases = map[string]string{
	"nyc":       "new york",
	"manhattan": "new york",
	"brooklyn":  "new york",
	"sf":        "san francisco",
	"bay area":  "san francisco",
	"la":        "los angeles",
	"chi-town":  "chicago",
}

// zip3 prefixes of supported metro areas
var zipPrefixes = map[string]string{
	"100": "new york", "101": "new york", "102": "new york", "103": "new york", "104": "new york", "112": "new york",
	"900": "los angeles", "901": "los angeles",
	"940": "san francisco", "941": "san francisco",
	"606": "chicago", "607": "chicago",
	"331": "miami", "332": "miami",
	"981": "seattle",
	"787": "austin",
	"021": "boston", "022": "boston",
}

var zipPattern = regexp.MustCompile(`\b(\d{5})(?:-\d{4})?\b`)

var dateKeywords = []struct{ phrase, value string }{
	{"this weekend", "this weekend"},
	{"next weekend", "next weekend"},
	{"next week", "next week"},
	{"this week", "this week"},
	{"tomorrow", "tomorrow"},
	{"tonight", "today"},
	{"today", "today"},
	{"monday", "monday"},
	{"tuesday", "tuesday"},
	{"wednesday", "wednesday"},
	{"thursday", "thursday"},
	{"friday", "friday"},
	{"saturday", "saturday"},
	{"sunday", "sunday"},
	{"halloween", "halloween"},
}

var timeKeywords = []struct{ phrase, value string }{
	{"tonight", "evening"},
	{"morning", "morning"},
	{"brunch", "morning"},
	{"afternoon", "afternoon"},
	{"evening", "evening"},
	{"night", "night"},
}

var eventTypeKeywords = []struct{ phrase, value string }{
	{"concert", "music"},
	{"music", "music"},
	{"jazz", "music"},
	{"dj", "music"},
	{"fashion", "fashion"},
	{"art", "art"},
	{"gallery", "art"},
	{"museum", "art"},
	{"comedy", "comedy"},
	{"stand-up", "comedy"},
	{"food", "food"},
	{"wine", "food"},
	{"tasting", "food"},
	{"sports", "sports"},
	{"game", "sports"},
	{"tech", "tech"},
	{"startup", "tech"},
	{"theater", "theater"},
	{"theatre", "theater"},
	{"halloween party", "halloween"},
	{"party", "party"},
	{"networking", "networking"},
	{"free", "free"},
}

// KeywordExtractor matches a fixed vocabulary against lower-cased text
type KeywordExtractor struct {
	cities     []string // normalized, longest first
	aliases    map[string]string
	aliasOrder []string
}

// NewKeywordExtractor recognizes the given cities plus common aliases of
// those cities
func NewKeywordExtractor(cities []string) *KeywordExtractor {
	norm := make([]string, 0, len(cities))
	known := make(map[string]bool, len(cities))
	for _, c := range cities {
		n := corpus.NormalizeCity(c)
		if n == "" || known[n] {
			continue
		}
		known[n] = true
		norm = append(norm, n)
	}
	sort.Slice(norm, func(i, j int) bool { return len(norm[i]) > len(norm[j]) })

	aliases := make(map[string]string)
	var order []string
	for alias, city := range defaultAliases {
		if known[city] {
			aliases[alias] = city
			order = append(order, alias)
		}
	}
	sort.Strings(order)
	return &KeywordExtractor{cities: norm, aliases: aliases, aliasOrder: order}
}

// Cities returns the recognized cities in normalized form
func (e *KeywordExtractor) Cities() []string {
	return append([]string(nil), e.cities...)
}

// ExtractPreferences implements Extractor
func (e *KeywordExtractor) ExtractPreferences(ctx context.Context, text string) (conversation.Preferences, error) {
	if err := ctx.Err(); err != nil {
		return conversation.Preferences{}, err
	}
	padded := pad(text)

	var p conversation.Preferences
	if city, ok := e.matchCity(padded); ok {
		p.Location = conversation.Some(city)
	}
	p.Date = conversation.Some(firstMatch(padded, dateKeywords))
	p.Time = conversation.Some(firstMatch(padded, timeKeywords))
	p.EventType = conversation.Some(firstMatch(padded, eventTypeKeywords))
	return p, nil
}

// ExtractLocation implements LocationHeuristic. Beyond city names and
// aliases it resolves US zip codes of supported metro areas.
func (e *KeywordExtractor) ExtractLocation(_ context.Context, text string) (string, bool) {
	if city, ok := e.matchCity(pad(text)); ok {
		return city, true
	}
	for _, m := range zipPattern.FindAllStringSubmatch(text, -1) {
		if city, ok := zipPrefixes[m[1][:3]]; ok && e.supports(city) {
			return city, true
		}
	}
	return "", false
}

func (e *KeywordExtractor) matchCity(padded string) (string, bool) {
	for _, c := range e.cities {
		if strings.Contains(padded, " "+c+" ") {
			return c, true
		}
	}
	for _, alias := range e.aliasOrder {
		if strings.Contains(padded, " "+alias+" ") {
			return e.aliases[alias], true
		}
	}
	return "", false
}

func (e *KeywordExtractor) supports(city string) bool {
	for _, c := range e.cities {
		if c == city {
			return true
		}
	}
	return false
}

// pad lower-cases text, turns punctuation into spaces and surrounds the
// result with spaces so phrases can be matched on word boundaries
func pad(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		if strings.ContainsRune(" \t\n.,!?;:()\"'/", r) {
			b.WriteByte(' ')
			continue
		}
		b.WriteRune(r)
	}
	return " " + strings.Join(strings.Fields(b.String()), " ") + " "
}

func firstMatch(padded string, vocab []struct{ phrase, value string }) string {
	for _, kw := range vocab {
		if strings.Contains(padded, " "+kw.phrase+" ") {
			return kw.value
		}
	}
	return ""
}
