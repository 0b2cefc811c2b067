package record

// Variant is the closed union of category-specific payloads. At most one
// field is set, and it must correspond to the record's category; categories
// without a listed payload carry no variant at all.
//
// NOTE: This is part of the persisted envelope; keep field names stable.
type Variant struct {
	Preference   *Preference   `json:"preference,omitempty"`
	Conversation *Conversation `json:"conversation,omitempty"`
	Heuristic    *Heuristic    `json:"heuristic,omitempty"`
	Association  *Association  `json:"association,omitempty"`
}

// Preference is the payload of a user_preference record.
type Preference struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Conversation is the payload of a conversation_history record. Turn is the
// ordinal of this turn within its session; the turn text itself is the
// record content.
type Conversation struct {
	SessionID string `json:"session_id"`
	Turn      int    `json:"turn"`
}

// Heuristic is the payload of a learned_heuristic record. SuccessRate is
// maintained from feedback and starts at zero.
type Heuristic struct {
	Name        string   `json:"name"`
	Triggers    []string `json:"triggers,omitempty"`
	Actions     []string `json:"actions,omitempty"`
	SuccessRate float64  `json:"success_rate"`
}

// AssociationKind classifies the relationship an association expresses.
type AssociationKind string

const (
	AssociationTemporal   AssociationKind = "temporal"
	AssociationSemantic   AssociationKind = "semantic"
	AssociationContextual AssociationKind = "contextual"
)

// Valid reports whether k is one of the known kinds.
func (k AssociationKind) Valid() bool {
	switch k {
	case AssociationTemporal, AssociationSemantic, AssociationContextual:
		return true
	default:
		return false
	}
}

// Association is the payload of a context_association record linking a
// source record to a target record with a weighted strength.
type Association struct {
	SourceID string          `json:"source_id"`
	TargetID string          `json:"target_id"`
	Kind     AssociationKind `json:"kind"`
	Strength float64         `json:"strength"`
}

func variantRequired(c Category) bool {
	switch c {
	case CategoryUserPreference, CategoryConversationHistory,
		CategoryLearnedHeuristic, CategoryContextAssociation:
		return true
	default:
		return false
	}
}

// matches reports whether exactly the payload demanded by c is set.
func (v *Variant) matches(c Category) bool {
	if v == nil {
		return !variantRequired(c)
	}

	set := 0
	if v.Preference != nil {
		set++
	}
	if v.Conversation != nil {
		set++
	}
	if v.Heuristic != nil {
		set++
	}
	if v.Association != nil {
		set++
	}
	if set != 1 {
		return false
	}

	switch c {
	case CategoryUserPreference:
		return v.Preference != nil
	case CategoryConversationHistory:
		return v.Conversation != nil
	case CategoryLearnedHeuristic:
		return v.Heuristic != nil
	case CategoryContextAssociation:
		return v.Association != nil
	default:
		return false
	}
}

func (v *Variant) clone() *Variant {
	if v == nil {
		return nil
	}
	out := &Variant{}
	if v.Preference != nil {
		p := *v.Preference
		out.Preference = &p
	}
	if v.Conversation != nil {
		c := *v.Conversation
		out.Conversation = &c
	}
	if v.Heuristic != nil {
		h := *v.Heuristic
		h.Triggers = append([]string(nil), v.Heuristic.Triggers...)
		h.Actions = append([]string(nil), v.Heuristic.Actions...)
		out.Heuristic = &h
	}
	if v.Association != nil {
		a := *v.Association
		out.Association = &a
	}
	return out
}
