// Package instruction defines the governed instruction record and its
// on-disk representation.
package instruction

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"slices"
	"strings"
	"time"
)

// Audience identifies who an instruction is written for.
type Audience string

const (
	AudienceIndividual Audience = "individual"
	AudienceGroup      Audience = "group"
	AudienceAll        Audience = "all"
)

// Requirement is how strongly an agent is expected to follow an instruction.
type Requirement string

const (
	RequirementOptional    Requirement = "optional"
	RequirementRecommended Requirement = "recommended"
	RequirementMandatory   Requirement = "mandatory"
	RequirementCritical    Requirement = "critical"
)

// Tier is the priority band an instruction falls into. P1 is the highest.
type Tier string

const (
	TierP1 Tier = "P1"
	TierP2 Tier = "P2"
	TierP3 Tier = "P3"
	TierP4 Tier = "P4"
)

// Status is the editorial lifecycle state.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusReview     Status = "review"
	StatusApproved   Status = "approved"
	StatusDeprecated Status = "deprecated"
)

// Classification controls how widely an instruction may be shared.
type Classification string

const (
	ClassificationPublic     Classification = "public"
	ClassificationInternal   Classification = "internal"
	ClassificationRestricted Classification = "restricted"
)

// Valid reports whether a is a known audience.
func (a Audience) Valid() bool {
	switch a {
	case AudienceIndividual, AudienceGroup, AudienceAll:
		return true
	}
	return false
}

// Valid reports whether r is a known requirement level.
func (r Requirement) Valid() bool {
	switch r {
	case RequirementOptional, RequirementRecommended, RequirementMandatory, RequirementCritical:
		return true
	}
	return false
}

// Strict reports whether the requirement level demands an accountable owner.
func (r Requirement) Strict() bool {
	return r == RequirementMandatory || r == RequirementCritical
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierP1, TierP2, TierP3, TierP4:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusReview, StatusApproved, StatusDeprecated:
		return true
	}
	return false
}

// Valid reports whether c is a known classification.
func (c Classification) Valid() bool {
	switch c {
	case ClassificationPublic, ClassificationInternal, ClassificationRestricted:
		return true
	}
	return false
}

// ChangeLogEntry records one accepted version transition.
type ChangeLogEntry struct {
	Version   string    `json:"version"`
	ChangedAt time.Time `json:"changedAt"`
	Summary   string    `json:"summary"`
}

// Entry is a governed instruction record as stored in <id>.json.
type Entry struct {
	ID              string           `json:"id"`
	Title           string           `json:"title"`
	Body            string           `json:"body"`
	Rationale       string           `json:"rationale,omitempty"`
	Priority        int              `json:"priority"`
	Audience        Audience         `json:"audience"`
	Requirement     Requirement      `json:"requirement"`
	Categories      []string         `json:"categories"`
	Owner           string           `json:"owner,omitempty"`
	Version         string           `json:"version"`
	PriorityTier    Tier             `json:"priorityTier"`
	Status          Status           `json:"status"`
	Classification  Classification   `json:"classification"`
	SemanticSummary string           `json:"semanticSummary"`
	LastReviewedAt  time.Time        `json:"lastReviewedAt"`
	NextReviewDue   time.Time        `json:"nextReviewDue"`
	ChangeLog       []ChangeLogEntry `json:"changeLog"`
	SourceHash      string           `json:"sourceHash"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
	CreatedByAgent  string           `json:"createdByAgent,omitempty"`
	SourceWorkspace string           `json:"sourceWorkspace,omitempty"`
}

// Clone returns a deep copy of e.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	c.Categories = slices.Clone(e.Categories)
	c.ChangeLog = slices.Clone(e.ChangeLog)
	return &c
}

// Draft is caller-supplied input for add and import. Empty strings, a nil
// Priority and nil Categories mean "omitted".
type Draft struct {
	ID              string         `json:"id"`
	Title           string         `json:"title,omitempty"`
	Body            string         `json:"body,omitempty"`
	Rationale       string         `json:"rationale,omitempty"`
	Priority        *int           `json:"priority,omitempty"`
	Audience        Audience       `json:"audience,omitempty"`
	Requirement     Requirement    `json:"requirement,omitempty"`
	Categories      []string       `json:"categories,omitempty"`
	Owner           string         `json:"owner,omitempty"`
	Version         string         `json:"version,omitempty"`
	PriorityTier    Tier           `json:"priorityTier,omitempty"`
	Status          Status         `json:"status,omitempty"`
	Classification  Classification `json:"classification,omitempty"`
	SemanticSummary string         `json:"semanticSummary,omitempty"`
	LastReviewedAt  *time.Time     `json:"lastReviewedAt,omitempty"`
	NextReviewDue   *time.Time     `json:"nextReviewDue,omitempty"`
}

// DraftFrom converts a stored entry back into input form, e.g. for export
// followed by import.
func DraftFrom(e *Entry) Draft {
	p := e.Priority
	last, next := e.LastReviewedAt, e.NextReviewDue
	return Draft{
		ID:              e.ID,
		Title:           e.Title,
		Body:            e.Body,
		Rationale:       e.Rationale,
		Priority:        &p,
		Audience:        e.Audience,
		Requirement:     e.Requirement,
		Categories:      slices.Clone(e.Categories),
		Owner:           e.Owner,
		Version:         e.Version,
		PriorityTier:    e.PriorityTier,
		Status:          e.Status,
		Classification:  e.Classification,
		SemanticSummary: e.SemanticSummary,
		LastReviewedAt:  &last,
		NextReviewDue:   &next,
	}
}

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// ValidID reports whether id is usable as a record file name.
func ValidID(id string) bool {
	return len(id) <= 200 && idPattern.MatchString(id) && !strings.Contains(id, "..")
}

// SourceHash is the content-integrity hash of a body.
func SourceHash(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

// FirstLine returns the first non-blank line of body, trimmed and capped.
func FirstLine(body string) string {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "#>-* "))
		if line == "" {
			continue
		}
		if r := []rune(line); len(r) > 200 {
			return string(r[:200])
		}
		return line
	}
	return ""
}

// NormalizeCategories lower-cases, trims, de-duplicates and sorts.
func NormalizeCategories(in []string) []string {
	out := make([]string, 0, len(in))
	for _, c := range in {
		c = strings.ToLower(strings.TrimSpace(c))
		if c != "" {
			out = append(out, c)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
