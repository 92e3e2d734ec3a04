// ABOUTME: Ranked event search over an acquired corpus
// ABOUTME: Scores events by keyword overlap with the query and extracted preferences

package search

import (
	"context"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/nainya/concierge/pkg/conversation"
	"github.com/nainya/concierge/pkg/corpus"
)

// Ranked is one search hit. Score is nil when the engine gives no score.
type Ranked struct {
	Event corpus.Event
	Score *float64
}

// Ranker orders candidate events by relevance, most relevant first
type Ranker interface {
	Rank(ctx context.Context, query string, events []corpus.Event, prefs *conversation.Preferences) ([]Ranked, error)
}

// DefaultTopN is how many hits a KeywordRanker returns
const DefaultTopN = 10

// fallbackScore is assigned when the query carries no searchable words
const fallbackScore = 0.5

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "any": true, "are": true, "at": true,
	"can": true, "event": true, "events": true, "find": true, "for": true,
	"going": true, "happening": true, "i": true, "in": true, "is": true,
	"me": true, "my": true, "near": true, "of": true, "on": true, "or": true,
	"please": true, "show": true, "some": true, "something": true, "the": true,
	"there": true, "things": true, "this": true, "to": true, "want": true,
	"what": true, "whats": true, "with": true, "you": true, "do": true,
	"looking": true, "like": true, "would": true, "good": true, "fun": true,
}

// KeywordRanker is a dependency-free ranker used when no model-backed
// engine is configured
type KeywordRanker struct {
	TopN int
}

// Rank implements Ranker
func (k KeywordRanker) Rank(ctx context.Context, query string, events []corpus.Event, prefs *conversation.Preferences) ([]Ranked, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	topN := k.TopN
	if topN <= 0 {
		topN = DefaultTopN
	}

	terms := Tokenize(query)
	if prefs != nil {
		if et, ok := prefs.EventType.Get(); ok {
			terms = append(terms, Tokenize(et)...)
		}
	}
	terms = dedupe(terms)

	type scored struct {
		idx   int
		score float64
	}
	var hits []scored
	for i, ev := range events {
		var s float64
		if len(terms) == 0 {
			s = fallbackScore
		} else {
			s = score(terms, ev)
			if s == 0 {
				continue
			}
		}
		s += timeOfDayBoost(prefs, ev)
		if s > 1 {
			s = 1
		}
		hits = append(hits, scored{idx: i, score: s})
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > topN {
		hits = hits[:topN]
	}

	out := make([]Ranked, len(hits))
	for i, h := range hits {
		s := round2(h.score)
		out[i] = Ranked{Event: events[h.idx], Score: &s}
	}
	return out, nil
}

// score is the weighted share of query terms found in the event
func score(terms []string, ev corpus.Event) float64 {
	title := tokenSet(ev.Title)
	category := tokenSet(ev.Category)
	body := tokenSet(ev.Description + " " + ev.Venue)

	var got float64
	for _, t := range terms {
		switch {
		case title[t]:
			got += 1.0
		case category[t]:
			got += 0.8
		case body[t]:
			got += 0.5
		}
	}
	return got / float64(len(terms))
}

func timeOfDayBoost(prefs *conversation.Preferences, ev corpus.Event) float64 {
	if prefs == nil || ev.StartTime.IsZero() {
		return 0
	}
	want, ok := prefs.Time.Get()
	if !ok {
		return 0
	}
	if partOfDay(ev.StartTime) == want {
		return 0.1
	}
	return 0
}

func partOfDay(t time.Time) string {
	switch h := t.Hour(); {
	case h >= 5 && h < 12:
		return "morning"
	case h >= 12 && h < 17:
		return "afternoon"
	case h >= 17 && h < 22:
		return "evening"
	default:
		return "night"
	}
}

// Tokenize lower-cases s, splits on anything that is not a letter or digit,
// drops stopwords and trims a plural "s"
func Tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if stopwords[f] || len(f) < 2 {
			continue
		}
		if len(f) > 3 && strings.HasSuffix(f, "s") && !strings.HasSuffix(f, "ss") {
			f = strings.TrimSuffix(f, "s")
		}
		out = append(out, f)
	}
	return out
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, t := range Tokenize(s) {
		set[t] = true
	}
	return set
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func round2(f float64) float64 {
	return float64(int(f*100+0.5)) / 100
}
