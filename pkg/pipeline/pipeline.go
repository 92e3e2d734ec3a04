// ABOUTME: Chat turn orchestration from authorization to persisted reply
// ABOUTME: Stages run in a fixed order; a terminal stage stops all later mutation

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/nainya/concierge/pkg/audit"
	"github.com/nainya/concierge/pkg/conversation"
	"github.com/nainya/concierge/pkg/corpus"
	"github.com/nainya/concierge/pkg/extraction"
	"github.com/nainya/concierge/pkg/quota"
	"github.com/nainya/concierge/pkg/search"
)

var (
	// ErrInvalidTurn means the turn itself is unusable, e.g. an empty message
	ErrInvalidTurn = errors.New("invalid chat turn")

	// ErrCollaborator means a required collaborator failed or timed out; the
	// caller may retry
	ErrCollaborator = errors.New("collaborator unavailable")
)

const (
	// DefaultCity is used when no location can be determined on a follow-up turn
	DefaultCity = "new york"

	// DefaultProvider is echoed when the caller names no provider
	DefaultProvider = "openai"

	// TemporaryConversationID is returned on a trial rejection without a reference
	TemporaryConversationID = "temp"
)

// Authorizer resolves a conversation reference for an identity
type Authorizer interface {
	GetAndAuthorize(ctx context.Context, identity, ref string) (*conversation.Conversation, error)
}

// Trial is the lifetime allowance gate for ephemeral identities
type Trial interface {
	IsEphemeral(identity string) bool
	Limit() int64
	Charge(ctx context.Context, identity string) (quota.UsageSnapshot, bool)
}

// Observer receives pipeline measurements; *metrics.Metrics satisfies it
type Observer interface {
	ObserveStage(stage string, d time.Duration)
	CollaboratorFailed(collaborator string)
	CorpusLookup(outcome string)
	Recommended(n int)
	Clarified()
	TrialRejected()
	Authorization(outcome string)
}

// Turn is one inbound chat message
type Turn struct {
	Message        string
	History        []map[string]any // passed through untouched
	Provider       string
	Initial        bool
	ConversationID string
}

// Result is the outcome of one turn
type Result struct {
	Message           string
	Recommendations   []conversation.Recommendation
	Provider          string
	CacheUsed         bool
	CacheAgeHours     *float64
	Preferences       *conversation.Preferences
	ExtractionSummary string // empty when nothing was extracted
	Usage             *quota.UsageSnapshot
	TrialExceeded     bool
	ConversationID    string

	City        string
	Defaulted   bool
	Clarifying  bool
	Provenance  conversation.Provenance
	CorpusError error
}

// Config wires a Pipeline
type Config struct {
	Store      conversation.Store
	Authorizer Authorizer
	Trial      Trial
	Extractor  extraction.Extractor
	Heuristic  extraction.LocationHeuristic
	Corpus     corpus.Acquirer
	Ranker     search.Ranker
	Audit      audit.Sink
	Observer   Observer

	SupportedCities []string
	DefaultCity     string

	ExtractTimeout time.Duration
	CorpusTimeout  time.Duration
	SearchTimeout  time.Duration

	Now    func() time.Time
	Logger zerolog.Logger
}

// Pipeline runs chat turns
type Pipeline struct {
	cfg    Config
	cities string
	log    zerolog.Logger
}

// New validates cfg and fills defaults
func New(cfg Config) (*Pipeline, error) {
	if cfg.Store == nil || cfg.Corpus == nil || cfg.Ranker == nil {
		return nil, fmt.Errorf("pipeline: store, corpus and ranker are required")
	}
	if cfg.Authorizer == nil {
		cfg.Authorizer = conversation.NewAuthorizer(cfg.Store, cfg.Audit, cfg.Logger)
	}
	if cfg.DefaultCity == "" {
		cfg.DefaultCity = DefaultCity
	}
	cfg.DefaultCity = corpus.NormalizeCity(cfg.DefaultCity)
	if cfg.ExtractTimeout <= 0 {
		cfg.ExtractTimeout = 10 * time.Second
	}
	if cfg.CorpusTimeout <= 0 {
		cfg.CorpusTimeout = 60 * time.Second
	}
	if cfg.SearchTimeout <= 0 {
		cfg.SearchTimeout = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}

	p := &Pipeline{
		cfg: cfg,
		log: cfg.Logger.With().Str("component", "pipeline").Logger(),
	}
	formatted := make([]string, 0, len(cfg.SupportedCities))
	for _, c := range cfg.SupportedCities {
		formatted = append(formatted, titleCase(corpus.NormalizeCity(c)))
	}
	p.cities = strings.Join(formatted, ", ")
	return p, nil
}

// SubmitTurn runs one turn for identity
func (p *Pipeline) SubmitTurn(ctx context.Context, identity string, turn Turn) (*Result, error) {
	if strings.TrimSpace(turn.Message) == "" {
		return nil, fmt.Errorf("%w: message is required", ErrInvalidTurn)
	}
	if turn.Provider == "" {
		turn.Provider = DefaultProvider
	}
	log := p.log.With().Str("identity", identity).Logger()

	// 1. authorize
	if turn.ConversationID != "" {
		start := time.Now()
		_, err := p.cfg.Authorizer.GetAndAuthorize(ctx, identity, turn.ConversationID)
		p.cfg.Observer.ObserveStage("authorize", time.Since(start))
		if err != nil {
			p.cfg.Observer.Authorization(authOutcome(err))
			return nil, err
		}
		p.cfg.Observer.Authorization("allowed")
	}

	// 2. trial gate
	var usage *quota.UsageSnapshot
	if p.cfg.Trial != nil && p.cfg.Trial.IsEphemeral(identity) {
		snap, exceeded := p.cfg.Trial.Charge(ctx, identity)
		if exceeded {
			return p.trialExceeded(ctx, identity, turn, snap), nil
		}
		usage = &snap
	}

	// 3. materialize conversation and record the user message
	convID, entered, err := p.materialize(ctx, identity, turn)
	if err != nil {
		return nil, err
	}
	log = log.With().Str("conversation_id", convID).Logger()

	res := &Result{
		Provider:       turn.Provider,
		Usage:          usage,
		ConversationID: convID,
	}

	// 4. extraction, initial turns only
	if turn.Initial {
		prefs := p.extract(ctx, turn.Message, log)
		res.Preferences = &prefs
	}

	// 5. location
	city, ok := p.resolveLocation(ctx, turn.Message, res.Preferences)
	if !ok {
		if turn.Initial {
			p.cfg.Observer.Clarified()
			log.Info().Msg("no location on initial turn, asking for one")
			res.Message = p.clarifyingQuestion()
			res.Clarifying = true
			res.Recommendations = []conversation.Recommendation{}
			return res, nil
		}
		city = p.cfg.DefaultCity
		res.Defaulted = true
		log.Info().Str("city", city).Msg("no location found, using default city")
	}
	res.City = city

	// 6. corpus
	events := p.acquire(ctx, city, res, log)

	// 7. ranked search
	hits, err := p.rank(ctx, turn.Message, events, res.Preferences)
	if err != nil {
		log.Error().Err(err).Str("city", city).Msg("ranked search failed")
		return nil, fmt.Errorf("%w: search: %v", ErrCollaborator, err)
	}

	// 8. assemble
	p.assemble(res, hits)

	// 9. persist
	if err := p.persist(ctx, identity, res, entered); err != nil {
		return nil, err
	}

	p.cfg.Observer.Recommended(len(res.Recommendations))
	log.Info().
		Str("city", city).
		Int("recommendations", len(res.Recommendations)).
		Bool("cache_used", res.CacheUsed).
		Bool("defaulted", res.Defaulted).
		Msg("chat turn completed")
	return res, nil
}

func (p *Pipeline) trialExceeded(ctx context.Context, identity string, turn Turn, snap quota.UsageSnapshot) *Result {
	p.cfg.Observer.TrialRejected()
	if p.cfg.Audit != nil {
		ev := audit.Event{Kind: audit.TrialExhausted, Actor: identity, ConversationID: turn.ConversationID, At: p.cfg.Now()}
		if err := p.cfg.Audit.Record(ctx, ev); err != nil {
			p.log.Error().Err(err).Msg("audit record failed")
		}
	}
	convID := turn.ConversationID
	if convID == "" {
		convID = TemporaryConversationID
	}
	return &Result{
		Message: fmt.Sprintf("🔒 You've reached your free trial limit of %d interactions! "+
			"Please register to continue using our service and keep your conversation history.", p.cfg.Trial.Limit()),
		Recommendations: []conversation.Recommendation{},
		Provider:        turn.Provider,
		Usage:           &snap,
		TrialExceeded:   true,
		ConversationID:  convID,
	}
}

func (p *Pipeline) materialize(ctx context.Context, identity string, turn Turn) (string, time.Time, error) {
	start := time.Now()
	defer func() { p.cfg.Observer.ObserveStage("materialize", time.Since(start)) }()

	entered := p.cfg.Now()
	convID := turn.ConversationID
	if convID == "" {
		conv, err := p.cfg.Store.Create(ctx, identity, map[string]string{
			conversation.MetaLLMProvider: turn.Provider,
		})
		if err != nil {
			return "", entered, fmt.Errorf("create conversation: %w", err)
		}
		convID = conv.ID
	}

	msg := conversation.Message{
		Role:      conversation.RoleUser,
		Content:   turn.Message,
		Timestamp: entered,
	}
	if err := p.cfg.Store.Append(ctx, identity, convID, msg); err != nil {
		return "", entered, fmt.Errorf("append user message: %w", err)
	}
	return convID, entered, nil
}

// extract never fails the turn; any error yields all-absent preferences
func (p *Pipeline) extract(ctx context.Context, text string, log zerolog.Logger) conversation.Preferences {
	if p.cfg.Extractor == nil {
		return conversation.Preferences{}
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ExtractTimeout)
	defer cancel()

	prefs, err := p.cfg.Extractor.ExtractPreferences(ctx, text)
	p.cfg.Observer.ObserveStage("extract", time.Since(start))
	if err != nil {
		p.cfg.Observer.CollaboratorFailed("extraction")
		log.Warn().Err(err).Msg("preference extraction failed, continuing without preferences")
		return conversation.Preferences{}
	}
	log.Debug().
		Str("location", prefs.Location.Value()).
		Str("date", prefs.Date.Value()).
		Str("time", prefs.Time.Value()).
		Str("event_type", prefs.EventType.Value()).
		Msg("extracted preferences")
	return prefs
}

func (p *Pipeline) resolveLocation(ctx context.Context, text string, prefs *conversation.Preferences) (string, bool) {
	if prefs != nil {
		if loc, ok := prefs.Location.Get(); ok {
			return corpus.NormalizeCity(loc), true
		}
	}
	if p.cfg.Heuristic != nil {
		if loc, ok := p.cfg.Heuristic.ExtractLocation(ctx, text); ok && strings.TrimSpace(loc) != "" {
			return corpus.NormalizeCity(loc), true
		}
	}
	return "", false
}

func (p *Pipeline) clarifyingQuestion() string {
	examples := p.cities
	if examples != "" {
		examples += ", or a zipcode"
	} else {
		examples = "a city name or a zipcode"
	}
	return "I'd be happy to help you find events! " +
		"To give you the best recommendations, could you please tell me " +
		"which city or area you're interested in? " +
		"(e.g., " + examples + ")"
}

// acquire fills the cache fields of res. Failures degrade to no candidates.
func (p *Pipeline) acquire(ctx context.Context, city string, res *Result, log zerolog.Logger) []corpus.Event {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.cfg.CorpusTimeout)
	defer cancel()

	got, err := p.cfg.Corpus.Acquire(ctx, city)
	p.cfg.Observer.ObserveStage("corpus", time.Since(start))
	if err != nil || len(got.Events) == 0 {
		if err != nil {
			p.cfg.Observer.CollaboratorFailed("corpus")
			p.cfg.Observer.CorpusLookup("error")
			res.CorpusError = err
			log.Warn().Err(err).Str("city", city).Msg("failed to get any events")
		} else {
			log.Warn().Str("city", city).Msg("corpus is empty")
		}
		res.CacheUsed = false
		res.CacheAgeHours = nil
		res.Provenance = conversation.ProvenanceRealtime
		return nil
	}

	res.CacheAgeHours = got.AgeHours
	res.CacheUsed = got.AgeHours != nil && *got.AgeHours > 0
	res.Provenance = conversation.ProvenanceRealtime
	if res.CacheUsed {
		res.Provenance = conversation.ProvenanceCached
	}
	p.cfg.Observer.CorpusLookup(string(res.Provenance))
	return got.Events
}

func (p *Pipeline) rank(ctx context.Context, query string, events []corpus.Event, prefs *conversation.Preferences) ([]search.Ranked, error) {
	if len(events) == 0 {
		return nil, nil
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.cfg.SearchTimeout)
	defer cancel()

	hits, err := p.cfg.Ranker.Rank(ctx, query, events, prefs)
	p.cfg.Observer.ObserveStage("search", time.Since(start))
	if err != nil {
		p.cfg.Observer.CollaboratorFailed("search")
		return nil, err
	}
	return hits, nil
}

// defaultScore stands in for a ranker that returns no score
const defaultScore = 0.5

func (p *Pipeline) assemble(res *Result, hits []search.Ranked) {
	cityTitle := titleCase(res.City)

	res.Recommendations = make([]conversation.Recommendation, 0, len(hits))
	for _, h := range hits {
		score := defaultScore
		if h.Score != nil {
			score = *h.Score
		}
		title := h.Event.Title
		if title == "" {
			title = "Unknown Event"
		}
		res.Recommendations = append(res.Recommendations, conversation.Recommendation{
			Event:       h.Event,
			Score:       score,
			Explanation: fmt.Sprintf("Event in %s: %s", cityTitle, title),
			Provenance:  res.Provenance,
		})
	}

	note := ""
	if res.Defaulted {
		note = fmt.Sprintf(" (I couldn't determine your location, so I'm defaulting to %s)", cityTitle)
	}
	if len(res.Recommendations) > 0 {
		res.Message = fmt.Sprintf("🎉 Found %d events in %s that match your search!%s Check out the recommendations below ↓",
			len(res.Recommendations), cityTitle, note)
	} else {
		res.Message = fmt.Sprintf("😔 I couldn't find any events in %s matching your query.%s "+
			"Try asking about 'fashion events', 'music concerts', 'halloween parties', or 'free events'.",
			cityTitle, note)
	}

	res.ExtractionSummary = Summarize(res.Preferences)
}

// Summarize renders the present preference fields as a one-line summary
func Summarize(prefs *conversation.Preferences) string {
	if prefs == nil {
		return ""
	}
	var parts []string
	if v, ok := prefs.Location.Get(); ok {
		parts = append(parts, "📍 "+v)
	}
	if v, ok := prefs.Date.Get(); ok {
		parts = append(parts, "📅 "+v)
	}
	if v, ok := prefs.Time.Get(); ok {
		parts = append(parts, "🕐 "+v)
	}
	if v, ok := prefs.EventType.Get(); ok {
		parts = append(parts, "🎭 "+v)
	}
	return strings.Join(parts, " • ")
}

// persist appends the reply. Its timestamp never precedes the user message.
func (p *Pipeline) persist(ctx context.Context, identity string, res *Result, after time.Time) error {
	start := time.Now()
	defer func() { p.cfg.Observer.ObserveStage("persist", time.Since(start)) }()

	now := p.cfg.Now()
	if now.Before(after) {
		now = after
	}
	cacheUsed := res.CacheUsed
	msg := conversation.Message{
		Role:            conversation.RoleAssistant,
		Content:         res.Message,
		Timestamp:       now,
		Recommendations: res.Recommendations,
		Preferences:     res.Preferences,
		CacheUsed:       &cacheUsed,
		CacheAgeHours:   res.CacheAgeHours,
	}
	if err := p.cfg.Store.Append(ctx, identity, res.ConversationID, msg); err != nil {
		return fmt.Errorf("append assistant message: %w", err)
	}
	meta := map[string]string{conversation.MetaLastMessageAt: now.UTC().Format(time.RFC3339Nano)}
	if err := p.cfg.Store.UpdateMetadata(ctx, identity, res.ConversationID, meta); err != nil {
		return fmt.Errorf("update conversation metadata: %w", err)
	}
	return nil
}

// titleCase builds a Caser per call; a Caser must not be shared across goroutines
func titleCase(s string) string {
	return cases.Title(language.English).String(s)
}

func authOutcome(err error) string {
	switch {
	case errors.Is(err, conversation.ErrForbidden):
		return "forbidden"
	default:
		return "not_found"
	}
}

type nopObserver struct{}

func (nopObserver) ObserveStage(string, time.Duration) {}
func (nopObserver) CollaboratorFailed(string)          {}
func (nopObserver) CorpusLookup(string)                {}
func (nopObserver) Recommended(int)                    {}
func (nopObserver) Clarified()                         {}
func (nopObserver) TrialRejected()                     {}
func (nopObserver) Authorization(string)               {}
