package record

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Attr customizes a record built by one of the factories.
type Attr func(*Record)

// WithID overrides the generated id. Intended for tests and restores.
func WithID(id string) Attr {
	return func(r *Record) { r.ID = id }
}

// WithTitle sets the optional title.
func WithTitle(title string) Attr {
	return func(r *Record) { r.Title = title }
}

// WithImportance sets the importance ordinal.
func WithImportance(importance int) Attr {
	return func(r *Record) { r.Importance = importance }
}

// WithTags sets the tag set. Tags are normalized (lowercased, deduped,
// sorted) before storage.
func WithTags(tags ...string) Attr {
	return func(r *Record) { r.Metadata.Tags = NormalizeTags(tags) }
}

// WithConfidence sets the confidence score.
func WithConfidence(confidence float64) Attr {
	return func(r *Record) { r.Metadata.Confidence = confidence }
}

// WithSource names where the record came from (a session, a tool, an import).
func WithSource(source string) Attr {
	return func(r *Record) { r.Metadata.Source = source }
}

// WithCreatedAt overrides the creation timestamp. Intended for tests and
// imports of historical data.
func WithCreatedAt(t time.Time) Attr {
	return func(r *Record) {
		r.Metadata.CreatedAt = t
		r.Metadata.LastAccessedAt = t
	}
}

// New builds a record of the given category around free-form content and
// validates it. Categories with a typed payload have dedicated factories
// (NewPreference, NewConversation, NewHeuristic, NewAssociation); New
// rejects those categories because it cannot supply the payload.
func New(category Category, content string, attrs ...Attr) (*Record, error) {
	r := base(category, content, attrs...)
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// NewPreference builds a user_preference record for one key/value pair.
func NewPreference(key, value string, attrs ...Attr) (*Record, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, invalidf("variant.preference.key", "must not be empty")
	}

	r := base(CategoryUserPreference, fmt.Sprintf("%s = %s", key, value), attrs...)
	if r.Title == "" {
		r.Title = key
	}
	r.Variant = &Variant{Preference: &Preference{Key: key, Value: value}}

	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// NewConversation builds a conversation_history record for one turn of a
// session. turn is the ordinal within the session; text is what was said.
func NewConversation(sessionID string, turn int, text string, attrs ...Attr) (*Record, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, invalidf("variant.conversation.session_id", "must not be empty")
	}
	if turn < 0 {
		return nil, invalidf("variant.conversation.turn", "must not be negative")
	}

	r := base(CategoryConversationHistory, text, attrs...)
	r.Variant = &Variant{Conversation: &Conversation{SessionID: sessionID, Turn: turn}}

	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// NewHeuristic builds a learned_heuristic record from its triggers and
// actions. The success rate starts at zero and is adjusted from feedback.
func NewHeuristic(name string, triggers, actions []string, attrs ...Attr) (*Record, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, invalidf("variant.heuristic.name", "must not be empty")
	}

	content := fmt.Sprintf("%s: when %s then %s",
		name, strings.Join(triggers, "; "), strings.Join(actions, "; "))

	r := base(CategoryLearnedHeuristic, content, attrs...)
	if r.Title == "" {
		r.Title = name
	}
	r.Variant = &Variant{Heuristic: &Heuristic{
		Name:     name,
		Triggers: append([]string(nil), triggers...),
		Actions:  append([]string(nil), actions...),
	}}

	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// NewAssociation builds a context_association record linking sourceID to
// targetID with the given kind and strength.
func NewAssociation(sourceID, targetID string, kind AssociationKind, strength float64, attrs ...Attr) (*Record, error) {
	if sourceID == "" || targetID == "" {
		return nil, invalidf("variant.association", "source and target ids must not be empty")
	}
	if !kind.Valid() {
		return nil, invalidf("variant.association.kind", "unknown kind %q", kind)
	}
	if strength < 0 || strength > 1 {
		return nil, invalidf("variant.association.strength", "%v outside [0,1]", strength)
	}

	r := base(CategoryContextAssociation, fmt.Sprintf("%s -> %s", sourceID, targetID), attrs...)
	r.Variant = &Variant{Association: &Association{
		SourceID: sourceID,
		TargetID: targetID,
		Kind:     kind,
		Strength: strength,
	}}

	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func base(category Category, content string, attrs ...Attr) *Record {
	now := time.Now().UTC()
	r := &Record{
		ID:         uuid.NewString(),
		Category:   category,
		Content:    content,
		Importance: DefaultImportance,
		Status:     StatusActive,
		Metadata: Metadata{
			CreatedAt:      now,
			LastAccessedAt: now,
			Confidence:     1,
		},
	}
	for _, attr := range attrs {
		attr(r)
	}
	r.Metadata.Tags = NormalizeTags(r.Metadata.Tags)
	return r
}
