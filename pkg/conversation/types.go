// ABOUTME: Conversation transcript data model
// ABOUTME: Conversations have a fixed owner and an append-only message sequence

package conversation

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/nainya/concierge/pkg/corpus"
)

// Role of a message author
type Role string

// Message roles
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Metadata keys maintained on every conversation
const (
	MetaCreatedAt     = "created_at"
	MetaLLMProvider   = "llm_provider"
	MetaLastMessageAt = "last_message_at"
)

// Field is an optional preference value. The zero value is absent.
type Field struct {
	value string
	set   bool
}

// Some returns a present field; an empty value yields an absent field
func Some(v string) Field {
	v = strings.TrimSpace(v)
	if v == "" {
		return Field{}
	}
	return Field{value: v, set: true}
}

// None returns an absent field
func None() Field { return Field{} }

// Get returns the value and whether it is present
func (f Field) Get() (string, bool) { return f.value, f.set }

// Present reports whether the field holds a value
func (f Field) Present() bool { return f.set }

// Value returns the value, or "" when absent
func (f Field) Value() string { return f.value }

// MarshalJSON stores absent fields as null
func (f Field) MarshalJSON() ([]byte, error) {
	if !f.set {
		return []byte("null"), nil
	}
	return json.Marshal(f.value)
}

// UnmarshalJSON reads null or a string
func (f *Field) UnmarshalJSON(data []byte) error {
	var s *string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == nil {
		*f = Field{}
		return nil
	}
	*f = Some(*s)
	return nil
}

// Preferences are what the extraction engine understood from a turn.
// Every field is either a value or absent; nothing is left undecided.
type Preferences struct {
	Location  Field `json:"location"`
	Date      Field `json:"date"`
	Time      Field `json:"time"`
	EventType Field `json:"event_type"`
}

// Empty reports whether no field is present
func (p Preferences) Empty() bool {
	return !p.Location.Present() && !p.Date.Present() && !p.Time.Present() && !p.EventType.Present()
}

// Provenance tells whether a recommendation came from cache or a fresh fetch
type Provenance string

// Provenance values
const (
	ProvenanceCached   Provenance = "cached"
	ProvenanceRealtime Provenance = "realtime"
)

// Recommendation is one ranked event returned to the caller
type Recommendation struct {
	Event       corpus.Event `json:"event"`
	Score       float64      `json:"relevance_score"`
	Explanation string       `json:"explanation"`
	Provenance  Provenance   `json:"source"`
}

// Message is one transcript entry
type Message struct {
	ID              string           `json:"id"`
	Role            Role             `json:"role"`
	Content         string           `json:"content"`
	Timestamp       time.Time        `json:"timestamp"`
	Recommendations []Recommendation `json:"recommendations,omitempty"`
	Preferences     *Preferences     `json:"extracted_preferences,omitempty"`
	CacheUsed       *bool            `json:"cache_used,omitempty"`
	CacheAgeHours   *float64         `json:"cache_age_hours,omitempty"`
}

// Conversation is a transcript with a fixed owner
type Conversation struct {
	ID        string            `json:"id"`
	Owner     string            `json:"owner"`
	CreatedAt time.Time         `json:"created_at"`
	Messages  []Message         `json:"messages"`
	Metadata  map[string]string `json:"metadata"`
}

// LastTimestamp returns the newest message time, or CreatedAt when empty
func (c *Conversation) LastTimestamp() time.Time {
	if n := len(c.Messages); n > 0 {
		return c.Messages[n-1].Timestamp
	}
	return c.CreatedAt
}

// Summary is a conversation without its messages, used for listings
type Summary struct {
	ID           string            `json:"id"`
	CreatedAt    time.Time         `json:"created_at"`
	MessageCount int               `json:"message_count"`
	Metadata     map[string]string `json:"metadata"`
}

func cloneConversation(c *Conversation) *Conversation {
	out := *c
	out.Messages = append([]Message(nil), c.Messages...)
	out.Metadata = make(map[string]string, len(c.Metadata))
	for k, v := range c.Metadata {
		out.Metadata[k] = v
	}
	return &out
}
