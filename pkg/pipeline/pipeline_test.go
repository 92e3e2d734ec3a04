package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/concierge/pkg/audit"
	"github.com/nainya/concierge/pkg/conversation"
	"github.com/nainya/concierge/pkg/corpus"
	"github.com/nainya/concierge/pkg/extraction"
	"github.com/nainya/concierge/pkg/quota"
	"github.com/nainya/concierge/pkg/search"
)

var cities = []string{"new_york", "paris", "san_francisco"}

type stubCorpus struct {
	events map[string][]corpus.Event
	age    *float64
	err    error
	calls  []string
}

func (s *stubCorpus) Acquire(_ context.Context, city string) (corpus.Result, error) {
	s.calls = append(s.calls, city)
	if s.err != nil {
		return corpus.Result{City: city}, s.err
	}
	return corpus.Result{City: city, Events: s.events[city], AgeHours: s.age}, nil
}

type stubRanker struct {
	hits []search.Ranked
	err  error
}

func (s stubRanker) Rank(context.Context, string, []corpus.Event, *conversation.Preferences) ([]search.Ranked, error) {
	return s.hits, s.err
}

type failingExtractor struct{}

func (failingExtractor) ExtractPreferences(context.Context, string) (conversation.Preferences, error) {
	return conversation.Preferences{Location: conversation.Some("paris")}, errors.New("model overloaded")
}

func ptr(f float64) *float64 { return &f }

func fixture() *stubCorpus {
	return &stubCorpus{
		events: map[string][]corpus.Event{
			"paris": {
				{ID: "p1", Title: "Jazz at Sunset", Category: "music", City: "paris"},
				{ID: "p2", Title: "Louvre Late Opening", Category: "art", City: "paris"},
			},
			"new york": {
				{ID: "n1", Title: "Halloween Parade", Category: "festival", City: "new york"},
			},
		},
		age: ptr(2.5),
	}
}

type harness struct {
	p      *Pipeline
	store  *conversation.MemoryStore
	corpus *stubCorpus
	audit  *audit.Memory
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{store: conversation.NewMemoryStore(), corpus: fixture(), audit: &audit.Memory{}}
	kw := extraction.NewKeywordExtractor(cities)
	cfg := Config{
		Store:           h.store,
		Trial:           quota.NewTrialCounter(quota.TrialCounterConfig{Limit: 2}),
		Extractor:       kw,
		Heuristic:       kw,
		Corpus:          h.corpus,
		Ranker:          search.KeywordRanker{},
		Audit:           h.audit,
		SupportedCities: cities,
		Logger:          zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(cfg)
	require.NoError(t, err)
	h.p = p
	return h
}

func (h *harness) transcript(t *testing.T, owner, id string) []conversation.Message {
	t.Helper()
	c, err := h.store.Get(context.Background(), owner, id)
	require.NoError(t, err)
	return c.Messages
}

func TestInitialTurnWithoutLocationAsksForOne(t *testing.T) {
	h := newHarness(t, nil)

	res, err := h.p.SubmitTurn(context.Background(), "00u-alice", Turn{Message: "any fun jazz?", Initial: true})
	require.NoError(t, err)

	assert.True(t, res.Clarifying)
	assert.Empty(t, res.Recommendations)
	assert.NotNil(t, res.Recommendations)
	assert.False(t, res.CacheUsed)
	assert.Nil(t, res.CacheAgeHours)
	assert.Empty(t, res.ExtractionSummary)
	assert.Contains(t, res.Message, "(e.g., New York, Paris, San Francisco, or a zipcode)")
	require.NotNil(t, res.Preferences)
	assert.Equal(t, "music", res.Preferences.EventType.Value())
	assert.Empty(t, h.corpus.calls, "no search on a clarifying turn")

	msgs := h.transcript(t, "00u-alice", res.ConversationID)
	require.Len(t, msgs, 1, "only the user message is persisted")
	assert.Equal(t, conversation.RoleUser, msgs[0].Role)
	assert.Equal(t, "any fun jazz?", msgs[0].Content)
}

func TestInitialTurnUsesExtractedLocation(t *testing.T) {
	h := newHarness(t, nil)

	res, err := h.p.SubmitTurn(context.Background(), "00u-alice", Turn{
		Message: "jazz in Paris this weekend 🎷", Initial: true, Provider: "anthropic",
	})
	require.NoError(t, err)

	assert.Equal(t, "paris", res.City)
	assert.False(t, res.Defaulted)
	assert.Equal(t, "anthropic", res.Provider)
	assert.Equal(t, []string{"paris"}, h.corpus.calls)
	assert.Equal(t, "📍 paris • 📅 this weekend • 🎭 music", res.ExtractionSummary)
	assert.Nil(t, res.Usage, "usage is only reported for ephemeral identities")

	require.Len(t, res.Recommendations, 1)
	rec := res.Recommendations[0]
	assert.Equal(t, "p1", rec.Event.ID)
	assert.Equal(t, "Event in Paris: Jazz at Sunset", rec.Explanation)
	assert.Equal(t, conversation.ProvenanceCached, rec.Provenance)
	assert.Equal(t, "🎉 Found 1 events in Paris that match your search! Check out the recommendations below ↓", res.Message)

	msgs := h.transcript(t, "00u-alice", res.ConversationID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "jazz in Paris this weekend 🎷", msgs[0].Content)
	assert.Equal(t, conversation.RoleAssistant, msgs[1].Role)
	assert.Equal(t, res.Message, msgs[1].Content)
	require.NotNil(t, msgs[1].CacheUsed)
	assert.True(t, *msgs[1].CacheUsed)
	assert.False(t, msgs[1].Timestamp.Before(msgs[0].Timestamp))

	c, err := h.store.Get(context.Background(), "00u-alice", res.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, "anthropic", c.Metadata[conversation.MetaLLMProvider])
	assert.NotEmpty(t, c.Metadata[conversation.MetaLastMessageAt])
}

func TestFollowUpWithoutLocationDefaults(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first, err := h.p.SubmitTurn(ctx, "00u-bob", Turn{Message: "art in paris", Initial: true})
	require.NoError(t, err)

	res, err := h.p.SubmitTurn(ctx, "00u-bob", Turn{Message: "halloween parade?", ConversationID: first.ConversationID})
	require.NoError(t, err)

	assert.Equal(t, first.ConversationID, res.ConversationID)
	assert.Equal(t, DefaultCity, res.City)
	assert.True(t, res.Defaulted)
	assert.Nil(t, res.Preferences, "follow-up turns skip extraction")
	assert.Contains(t, res.Message, " (I couldn't determine your location, so I'm defaulting to New York)")
	assert.Len(t, h.transcript(t, "00u-bob", res.ConversationID), 4)
}

func TestNoResultsMessage(t *testing.T) {
	h := newHarness(t, nil)

	res, err := h.p.SubmitTurn(context.Background(), "00u-bob", Turn{Message: "rodeo nights", ConversationID: ""})
	require.NoError(t, err)

	assert.Empty(t, res.Recommendations)
	assert.True(t, strings.HasPrefix(res.Message, "😔 I couldn't find any events in New York matching your query. (I couldn't determine"))
	assert.True(t, strings.HasSuffix(res.Message, "'halloween parties', or 'free events'."))
}

func TestCacheUsedFollowsAge(t *testing.T) {
	tests := []struct {
		name string
		age  *float64
		want bool
	}{
		{"fresh fetch reports no age", nil, false},
		{"fresh fetch reports zero age", ptr(0), false},
		{"cached within ttl", ptr(2.5), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.corpus.age = tt.age

			res, err := h.p.SubmitTurn(context.Background(), "00u-carol", Turn{Message: "jazz in paris", Initial: true})
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.CacheUsed)
			want := conversation.ProvenanceRealtime
			if tt.want {
				want = conversation.ProvenanceCached
			}
			for _, r := range res.Recommendations {
				assert.Equal(t, want, r.Provenance)
			}
		})
	}
}

func TestCorpusFailureDegradesToEmpty(t *testing.T) {
	h := newHarness(t, nil)
	h.corpus.err = errors.New("crawler down")

	res, err := h.p.SubmitTurn(context.Background(), "00u-dan", Turn{Message: "jazz in paris", Initial: true})
	require.NoError(t, err)
	assert.Empty(t, res.Recommendations)
	assert.False(t, res.CacheUsed)
	assert.Nil(t, res.CacheAgeHours)
	assert.Len(t, h.transcript(t, "00u-dan", res.ConversationID), 2)
}

func TestExtractionFailureDegrades(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Extractor = failingExtractor{} })

	res, err := h.p.SubmitTurn(context.Background(), "00u-erin", Turn{Message: "concerts in san francisco", Initial: true})
	require.NoError(t, err)
	require.NotNil(t, res.Preferences)
	assert.True(t, res.Preferences.Empty(), "partial results from a failed extraction are discarded")
	assert.Equal(t, "san francisco", res.City, "the heuristic still finds the city")
	assert.Empty(t, res.ExtractionSummary)
}

func TestRankerFailureIsRetryable(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Ranker = stubRanker{err: context.DeadlineExceeded} })

	_, err := h.p.SubmitTurn(context.Background(), "00u-finn", Turn{Message: "jazz in paris", Initial: true})
	assert.ErrorIs(t, err, ErrCollaborator)
}

func TestRankerOrderAndScoresPreserved(t *testing.T) {
	hits := []search.Ranked{
		{Event: corpus.Event{ID: "p2", Title: "Louvre Late Opening"}, Score: ptr(0.2)},
		{Event: corpus.Event{ID: "p1"}},
	}
	h := newHarness(t, func(c *Config) { c.Ranker = stubRanker{hits: hits} })

	res, err := h.p.SubmitTurn(context.Background(), "00u-gus", Turn{Message: "paris", Initial: true})
	require.NoError(t, err)
	require.Len(t, res.Recommendations, 2)
	assert.Equal(t, "p2", res.Recommendations[0].Event.ID)
	assert.Equal(t, 0.2, res.Recommendations[0].Score)
	assert.Equal(t, 0.5, res.Recommendations[1].Score)
	assert.Equal(t, "Event in Paris: Unknown Event", res.Recommendations[1].Explanation)
}

func TestTrialExceeded(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	id := "user_anon42"

	first, err := h.p.SubmitTurn(ctx, id, Turn{Message: "jazz in paris", Initial: true})
	require.NoError(t, err)
	require.NotNil(t, first.Usage)
	assert.Equal(t, int64(1), first.Usage.Count)
	assert.Equal(t, int64(1), first.Usage.Remaining)

	second, err := h.p.SubmitTurn(ctx, id, Turn{Message: "more", ConversationID: first.ConversationID})
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Usage.Count)

	before := len(h.transcript(t, id, first.ConversationID))

	res, err := h.p.SubmitTurn(ctx, id, Turn{Message: "one more", ConversationID: first.ConversationID})
	require.NoError(t, err)
	assert.True(t, res.TrialExceeded)
	assert.Empty(t, res.Recommendations)
	assert.Equal(t, first.ConversationID, res.ConversationID)
	assert.Contains(t, res.Message, "free trial limit of 2 interactions")
	require.NotNil(t, res.Usage)
	assert.Equal(t, int64(2), res.Usage.Count, "a rejected turn is not charged")
	assert.Equal(t, before, len(h.transcript(t, id, first.ConversationID)), "no transcript write")

	fresh, err := h.p.SubmitTurn(ctx, id, Turn{Message: "hello"})
	require.NoError(t, err)
	assert.True(t, fresh.TrialExceeded)
	assert.Equal(t, TemporaryConversationID, fresh.ConversationID)

	events := h.audit.Events()
	require.Len(t, events, 2)
	assert.Equal(t, audit.TrialExhausted, events[0].Kind)
}

func TestTrialChargeNotRefundedOnFailure(t *testing.T) {
	trial := quota.NewTrialCounter(quota.TrialCounterConfig{Limit: 5})
	h := newHarness(t, func(c *Config) {
		c.Trial = trial
		c.Ranker = stubRanker{err: errors.New("boom")}
	})

	_, err := h.p.SubmitTurn(context.Background(), "user_x", Turn{Message: "jazz in paris", Initial: true})
	require.Error(t, err)
	assert.Equal(t, int64(1), trial.Usage(context.Background(), "user_x").Count)
}

func TestAuthorizationFailuresStopTheTurn(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	owned, err := h.p.SubmitTurn(ctx, "00u-alice", Turn{Message: "paris", Initial: true})
	require.NoError(t, err)

	_, err = h.p.SubmitTurn(ctx, "00u-mallory", Turn{Message: "peek", ConversationID: owned.ConversationID})
	assert.ErrorIs(t, err, conversation.ErrNotFound)

	_, err = h.p.SubmitTurn(ctx, "00u-alice", Turn{Message: "hi", ConversationID: "missing"})
	assert.ErrorIs(t, err, conversation.ErrNotFound)

	list, err := h.store.List(ctx, "00u-mallory", 0)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Len(t, h.transcript(t, "00u-alice", owned.ConversationID), 2)
}

func TestEmptyMessageRejected(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.p.SubmitTurn(context.Background(), "00u-alice", Turn{Message: "   "})
	assert.ErrorIs(t, err, ErrInvalidTurn)
}

func TestAssistantTimestampNeverPrecedesUserMessage(t *testing.T) {
	base := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	calls := 0
	h := newHarness(t, func(c *Config) {
		// the clock steps backwards on the second read
		c.Now = func() time.Time {
			calls++
			return base.Add(-time.Duration(calls-1) * time.Minute)
		}
	})

	res, err := h.p.SubmitTurn(context.Background(), "00u-alice", Turn{Message: "paris", Initial: true})
	require.NoError(t, err)
	msgs := h.transcript(t, "00u-alice", res.ConversationID)
	require.Len(t, msgs, 2)
	assert.False(t, msgs[1].Timestamp.Before(msgs[0].Timestamp))
}

func TestSummarize(t *testing.T) {
	assert.Empty(t, Summarize(nil))
	assert.Empty(t, Summarize(&conversation.Preferences{}))
	assert.Equal(t, "🕐 evening", Summarize(&conversation.Preferences{Time: conversation.Some("evening")}))
}
