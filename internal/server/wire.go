package server

import (
	"encoding/json"
	"time"

	"github.com/nainya/concierge/pkg/conversation"
	"github.com/nainya/concierge/pkg/extraction"
	"github.com/nainya/concierge/pkg/pipeline"
	"github.com/nainya/concierge/pkg/quota"
)

// noneSentinel is how an absent preference is written on the wire
const noneSentinel = "none"

type preferencesDTO struct {
	Location  string `json:"location"`
	Date      string `json:"date"`
	Time      string `json:"time"`
	EventType string `json:"event_type"`
}

func wireField(f conversation.Field) string {
	if v, ok := f.Get(); ok {
		return v
	}
	return noneSentinel
}

func toPreferencesDTO(p *conversation.Preferences) *preferencesDTO {
	if p == nil {
		return nil
	}
	return &preferencesDTO{
		Location:  wireField(p.Location),
		Date:      wireField(p.Date),
		Time:      wireField(p.Time),
		EventType: wireField(p.EventType),
	}
}

// fromPreferencesDTO maps the sentinel back to an absent field
func fromPreferencesDTO(d *preferencesDTO) *conversation.Preferences {
	if d == nil {
		return nil
	}
	return &conversation.Preferences{
		Location:  extraction.ParseField(d.Location),
		Date:      extraction.ParseField(d.Date),
		Time:      extraction.ParseField(d.Time),
		EventType: extraction.ParseField(d.EventType),
	}
}

type chatRequest struct {
	Message             string           `json:"message" binding:"required"`
	ConversationHistory []map[string]any `json:"conversation_history"`
	LLMProvider         string           `json:"llm_provider"`
	// accepted for compatibility; preferences are always re-extracted
	UserPreferences   *preferencesDTO `json:"user_preferences"`
	IsInitialResponse bool            `json:"is_initial_response"`
	ConversationID    *string         `json:"conversation_id"`
}

func (r chatRequest) turn() pipeline.Turn {
	t := pipeline.Turn{
		Message:  r.Message,
		History:  r.ConversationHistory,
		Provider: r.LLMProvider,
		Initial:  r.IsInitialResponse,
	}
	if r.ConversationID != nil {
		t.ConversationID = *r.ConversationID
	}
	return t
}

type recommendationDTO struct {
	Type           string         `json:"type"`
	Data           map[string]any `json:"data"`
	RelevanceScore float64        `json:"relevance_score"`
	Explanation    string         `json:"explanation"`
}

type usageDTO struct {
	UserID    string `json:"user_id"`
	Count     int64  `json:"count"`
	Limit     int64  `json:"limit"`
	Remaining int64  `json:"remaining"`
}

type chatResponse struct {
	Message              string              `json:"message"`
	Recommendations      []recommendationDTO `json:"recommendations"`
	LLMProviderUsed      string              `json:"llm_provider_used"`
	CacheUsed            bool                `json:"cache_used"`
	CacheAgeHours        *float64            `json:"cache_age_hours"`
	ExtractedPreferences *preferencesDTO     `json:"extracted_preferences"`
	ExtractionSummary    *string             `json:"extraction_summary"`
	UsageStats           *usageDTO           `json:"usage_stats"`
	TrialExceeded        bool                `json:"trial_exceeded"`
	ConversationID       string              `json:"conversation_id"`
}

func toRecommendationDTOs(recs []conversation.Recommendation) []recommendationDTO {
	out := make([]recommendationDTO, 0, len(recs))
	for _, r := range recs {
		out = append(out, recommendationDTO{
			Type:           "event",
			Data:           eventData(r),
			RelevanceScore: r.Score,
			Explanation:    r.Explanation,
		})
	}
	return out
}

// eventData flattens the event's JSON form and tags it with its provenance
func eventData(r conversation.Recommendation) map[string]any {
	data := map[string]any{}
	if raw, err := json.Marshal(r.Event); err == nil {
		_ = json.Unmarshal(raw, &data)
	}
	data["source"] = string(r.Provenance)
	return data
}

func toUsageDTO(u *quota.UsageSnapshot) *usageDTO {
	if u == nil {
		return nil
	}
	return &usageDTO{UserID: u.UserID, Count: u.Count, Limit: u.Limit, Remaining: u.Remaining}
}

func toChatResponse(r *pipeline.Result) chatResponse {
	resp := chatResponse{
		Message:              r.Message,
		Recommendations:      toRecommendationDTOs(r.Recommendations),
		LLMProviderUsed:      r.Provider,
		CacheUsed:            r.CacheUsed,
		CacheAgeHours:        r.CacheAgeHours,
		ExtractedPreferences: toPreferencesDTO(r.Preferences),
		UsageStats:           toUsageDTO(r.Usage),
		TrialExceeded:        r.TrialExceeded,
		ConversationID:       r.ConversationID,
	}
	if r.ExtractionSummary != "" {
		s := r.ExtractionSummary
		resp.ExtractionSummary = &s
	}
	return resp
}

type messageDTO struct {
	ID                   string              `json:"id"`
	Role                 string              `json:"role"`
	Content              string              `json:"content"`
	Timestamp            time.Time           `json:"timestamp"`
	Recommendations      []recommendationDTO `json:"recommendations,omitempty"`
	ExtractedPreferences *preferencesDTO     `json:"extracted_preferences,omitempty"`
	CacheUsed            *bool               `json:"cache_used,omitempty"`
	CacheAgeHours        *float64            `json:"cache_age_hours,omitempty"`
}

type conversationDTO struct {
	ID        string            `json:"id"`
	CreatedAt time.Time         `json:"created_at"`
	Metadata  map[string]string `json:"metadata"`
	Messages  []messageDTO      `json:"messages"`
}

func toConversationDTO(c *conversation.Conversation) conversationDTO {
	out := conversationDTO{
		ID:        c.ID,
		CreatedAt: c.CreatedAt,
		Metadata:  c.Metadata,
		Messages:  make([]messageDTO, 0, len(c.Messages)),
	}
	for _, m := range c.Messages {
		dto := messageDTO{
			ID:                   m.ID,
			Role:                 string(m.Role),
			Content:              m.Content,
			Timestamp:            m.Timestamp,
			ExtractedPreferences: toPreferencesDTO(m.Preferences),
			CacheUsed:            m.CacheUsed,
			CacheAgeHours:        m.CacheAgeHours,
		}
		if len(m.Recommendations) > 0 {
			dto.Recommendations = toRecommendationDTOs(m.Recommendations)
		}
		out.Messages = append(out.Messages, dto)
	}
	return out
}
