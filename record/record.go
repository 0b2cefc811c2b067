// Package record defines the persistent memory record: its categories,
// lifecycle states, category-specific payloads and the validation contract
// every durable write must satisfy.
package record

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

const (
	// MinImportance and MaxImportance bound the importance ordinal.
	MinImportance = 1
	MaxImportance = 10

	// DefaultImportance is assigned when a factory caller does not choose one.
	DefaultImportance = 5

	// MaxContentSize bounds the content text of a single record.
	MaxContentSize = 64 << 10
)

// Metadata carries the bookkeeping attached to every record.
type Metadata struct {
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	AccessCount    int64     `json:"access_count"`
	Confidence     float64   `json:"confidence"`
	RelevanceDecay float64   `json:"relevance_decay"`
	Tags           []string  `json:"tags,omitempty"`
	Associations   []string  `json:"associations,omitempty"`
	Source         string    `json:"source,omitempty"`
}

// Record is a single stored memory unit. The storage engine owns the
// durable copy; everything derived from it (index entries, cache entries)
// is reconstructible by rereading records from disk.
type Record struct {
	ID         string   `json:"id"`
	Category   Category `json:"category"`
	Content    string   `json:"content"`
	Title      string   `json:"title,omitempty"`
	Importance int      `json:"importance"`
	Status     Status   `json:"status"`
	Metadata   Metadata `json:"metadata"`
	Variant    *Variant `json:"variant,omitempty"`
}

// Validate checks the full data contract. It returns a *ValidationError
// naming the first offending field, or nil.
func (r *Record) Validate() error {
	if r.ID == "" {
		return invalidf("id", "must not be empty")
	}
	if !r.Category.Valid() {
		return invalidf("category", "unknown category %q", r.Category)
	}
	if strings.TrimSpace(r.Content) == "" {
		return invalidf("content", "must not be empty or whitespace-only")
	}
	if len(r.Content) > MaxContentSize {
		return invalidf("content", "exceeds %d bytes", MaxContentSize)
	}
	if r.Importance < MinImportance || r.Importance > MaxImportance {
		return invalidf("importance", "%d outside [%d,%d]", r.Importance, MinImportance, MaxImportance)
	}
	if !r.Status.Valid() {
		return invalidf("status", "unknown status %q", r.Status)
	}
	if r.Metadata.Confidence < 0 || r.Metadata.Confidence > 1 {
		return invalidf("metadata.confidence", "%v outside [0,1]", r.Metadata.Confidence)
	}
	if r.Metadata.CreatedAt.IsZero() {
		return invalidf("metadata.created_at", "must be set")
	}
	if r.Metadata.LastAccessedAt.Before(r.Metadata.CreatedAt) {
		return invalidf("metadata.last_accessed_at", "before created_at")
	}
	if !r.Variant.matches(r.Category) {
		return invalidf("variant", "payload does not match category %q", r.Category)
	}
	return nil
}

// ContentHash returns the dedup key: hex SHA-256 over category and content.
// Title, importance and metadata do not participate, so records that say
// the same thing collide regardless of presentation.
func (r *Record) ContentHash() string {
	return HashContent(r.Category, r.Content)
}

// HashContent computes the dedup key for a category and content pair.
func HashContent(category Category, content string) string {
	h := sha256.New()
	h.Write([]byte(category))
	h.Write([]byte{'\n'})
	h.Write([]byte(content))
	return hex.EncodeToString(h.Sum(nil))
}

// Touch records one access at now. A now earlier than the current
// last-accessed timestamp is ignored so the invariant
// last_accessed_at >= created_at holds under clock skew.
func (r *Record) Touch(now time.Time) {
	r.Metadata.AccessCount++
	if now.After(r.Metadata.LastAccessedAt) {
		r.Metadata.LastAccessedAt = now
	}
}

// HasTag reports whether the record carries the (normalized) tag.
func (r *Record) HasTag(tag string) bool {
	tag = strings.ToLower(strings.TrimSpace(tag))
	for _, t := range r.Metadata.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Clone returns a deep copy sharing no mutable state with r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Metadata.Tags = append([]string(nil), r.Metadata.Tags...)
	out.Metadata.Associations = append([]string(nil), r.Metadata.Associations...)
	out.Variant = r.Variant.clone()
	return &out
}

// NormalizeTags lowercases, trims, dedups and sorts a tag set. Empty tags
// are dropped. The result is the canonical form stored on disk and in the
// index.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}
