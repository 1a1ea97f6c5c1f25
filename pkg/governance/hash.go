package governance

import (
	"fmt"
	"sort"
	"time"

	"github.com/Mindburn-Labs/helm/instructions/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm/instructions/pkg/instruction"
)

// HashPrefix is prepended to every governance hash.
const HashPrefix = "sha256:"

// Projection is the governance-relevant subset of an entry. Body, rationale
// and categories are left out so cosmetic edits do not move the hash.
type Projection struct {
	ID              string           `json:"id"`
	Title           string           `json:"title"`
	Version         string           `json:"version"`
	Owner           string           `json:"owner"`
	PriorityTier    instruction.Tier `json:"priorityTier"`
	NextReviewDue   string           `json:"nextReviewDue"`
	SummaryHash     string           `json:"semanticSummaryHash"`
	ChangeLogLength int              `json:"changeLogLength"`
}

// SummaryHash hashes a semantic summary for the projection.
func SummaryHash(summary string) string {
	return canonicalize.HashBytes([]byte(summary))
}

// Project returns the projection of e.
func Project(e *instruction.Entry) Projection {
	var due string
	if !e.NextReviewDue.IsZero() {
		due = e.NextReviewDue.UTC().Format(time.RFC3339Nano)
	}
	return Projection{
		ID:              e.ID,
		Title:           e.Title,
		Version:         e.Version,
		Owner:           e.Owner,
		PriorityTier:    e.PriorityTier,
		NextReviewDue:   due,
		SummaryHash:     SummaryHash(e.SemanticSummary),
		ChangeLogLength: len(e.ChangeLog),
	}
}

// Projections returns the projections of entries sorted by id.
func Projections(entries []*instruction.Entry) []Projection {
	out := make([]Projection, 0, len(entries))
	for _, e := range entries {
		out = append(out, Project(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Hash folds the projections of entries, in id order, into one digest.
// Input order does not matter.
func Hash(entries []*instruction.Entry) (string, error) {
	h, err := canonicalize.CanonicalHash(Projections(entries))
	if err != nil {
		return "", fmt.Errorf("governance hash: %w", err)
	}
	return HashPrefix + h, nil
}
