package conversation

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/nainya/concierge/pkg/audit"
)

// Authorizer decides whether an identity may see a conversation
type Authorizer struct {
	store Store
	audit audit.Sink
	log   zerolog.Logger
	now   func() time.Time
}

// NewAuthorizer creates an authorizer over store; sink may be nil
func NewAuthorizer(store Store, sink audit.Sink, log zerolog.Logger) *Authorizer {
	return &Authorizer{
		store: store,
		audit: sink,
		log:   log.With().Str("component", "authorizer").Logger(),
		now:   time.Now,
	}
}

// GetAndAuthorize loads ref for identity. Stores already scope lookups by
// owner; the owner comparison is repeated here so a store or key-matching
// bug cannot hand one caller another caller's transcript. Any unexpected
// failure reads as ErrNotFound so callers learn nothing about existence.
func (a *Authorizer) GetAndAuthorize(ctx context.Context, identity, ref string) (*Conversation, error) {
	conv, err := a.store.Get(ctx, identity, ref)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			a.log.Error().Err(err).Str("identity", identity).Str("conversation_id", ref).
				Msg("error verifying conversation ownership")
		}
		return nil, ErrNotFound
	}
	if conv == nil {
		return nil, ErrNotFound
	}

	if conv.Owner != identity {
		a.log.Warn().
			Str("identity", identity).
			Str("owner", conv.Owner).
			Str("conversation_id", ref).
			Msg("identity attempted to access a conversation it does not own")
		if a.audit != nil {
			ev := audit.Event{
				Kind:           audit.OwnershipViolation,
				Actor:          identity,
				Owner:          conv.Owner,
				ConversationID: ref,
				At:             a.now(),
			}
			if err := a.audit.Record(ctx, ev); err != nil {
				a.log.Error().Err(err).Msg("audit record failed")
			}
		}
		return nil, ErrForbidden
	}
	return conv, nil
}
