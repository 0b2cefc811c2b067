package record

import "fmt"

// Category classifies what kind of knowledge a record holds. The set is
// closed; persisted bytes store the string form, so the values must remain
// stable.
type Category string

const (
	// CategoryUserPreference holds an explicit user preference (key/value).
	CategoryUserPreference Category = "user_preference"
	// CategoryConversationHistory holds one turn of a conversation.
	CategoryConversationHistory Category = "conversation_history"
	// CategoryLearnedHeuristic holds a trigger/action rule learned over time.
	CategoryLearnedHeuristic Category = "learned_heuristic"
	// CategoryBehaviorPattern holds an observed recurring behavior.
	CategoryBehaviorPattern Category = "behavior_pattern"
	// CategoryContextAssociation holds a typed link between two records.
	CategoryContextAssociation Category = "context_association"
	// CategoryTaskInsight holds a lesson learned from performing a task.
	CategoryTaskInsight Category = "task_insight"
	// CategorySystemConfiguration holds configuration facts about the host system.
	CategorySystemConfiguration Category = "system_configuration"
	// CategoryInteractionFeedback holds user feedback about an interaction.
	CategoryInteractionFeedback Category = "interaction_feedback"
)

var categories = []Category{
	CategoryUserPreference,
	CategoryConversationHistory,
	CategoryLearnedHeuristic,
	CategoryBehaviorPattern,
	CategoryContextAssociation,
	CategoryTaskInsight,
	CategorySystemConfiguration,
	CategoryInteractionFeedback,
}

// Categories returns all valid categories in a stable order.
func Categories() []Category {
	out := make([]Category, len(categories))
	copy(out, categories)
	return out
}

// Valid reports whether c is one of the defined categories.
func (c Category) Valid() bool {
	for _, known := range categories {
		if c == known {
			return true
		}
	}
	return false
}

// String returns the persisted string form.
func (c Category) String() string { return string(c) }

// ParseCategory converts a string into a Category.
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown category %q", s)
	}
	return c, nil
}
