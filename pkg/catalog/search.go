package catalog

import (
	"context"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/helm/instructions/pkg/instruction"
)

// Match is one search hit and the fields it matched in.
type Match struct {
	Entry  *instruction.Entry `json:"item"`
	Fields []string           `json:"matchedFields"`
}

// fold normalizes to NFC and applies Unicode case folding so that, e.g.,
// "STRASSE" matches "straße".
func fold(c cases.Caser, s string) string {
	return c.String(norm.NFC.String(s))
}

// Search returns entries whose title, body or any category contains query
// after folding. Results are ordered by id; limit <= 0 means no limit.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]Match, error) {
	entries, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	caser := cases.Fold()
	q := fold(caser, strings.TrimSpace(query))
	if q == "" {
		return []Match{}, nil
	}

	out := []Match{}
	for _, e := range entries {
		var fields []string
		if strings.Contains(fold(caser, e.Title), q) {
			fields = append(fields, "title")
		}
		if strings.Contains(fold(caser, e.Body), q) {
			fields = append(fields, "body")
		}
		for _, c := range e.Categories {
			if strings.Contains(fold(caser, c), q) {
				fields = append(fields, "categories")
				break
			}
		}
		if len(fields) == 0 {
			continue
		}
		out = append(out, Match{Entry: e, Fields: fields})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Scope narrows listScoped.
type Scope struct {
	Workspace string
	Audience  instruction.Audience
}

// ScopedResult reports which scope produced the entries.
type ScopedResult struct {
	Entries  []*instruction.Entry `json:"items"`
	Scope    string               `json:"scope"`
	Fallback bool                 `json:"fallback"`
}

// ListScoped returns the entries attributed to scope.Workspace (further
// narrowed by audience when given). When the workspace has none, it falls
// back to the entries whose audience is "all".
func (s *Service) ListScoped(ctx context.Context, scope Scope) (ScopedResult, error) {
	entries, err := s.List(ctx)
	if err != nil {
		return ScopedResult{}, err
	}

	if scope.Workspace != "" {
		var hits []*instruction.Entry
		for _, e := range entries {
			if e.SourceWorkspace != scope.Workspace {
				continue
			}
			if scope.Audience != "" && e.Audience != scope.Audience && e.Audience != instruction.AudienceAll {
				continue
			}
			hits = append(hits, e)
		}
		if len(hits) > 0 {
			return ScopedResult{Entries: hits, Scope: "workspace:" + scope.Workspace}, nil
		}
	} else if scope.Audience != "" && scope.Audience != instruction.AudienceAll {
		var hits []*instruction.Entry
		for _, e := range entries {
			if e.Audience == scope.Audience {
				hits = append(hits, e)
			}
		}
		if len(hits) > 0 {
			return ScopedResult{Entries: hits, Scope: "audience:" + string(scope.Audience)}, nil
		}
	}

	all := []*instruction.Entry{}
	for _, e := range entries {
		if e.Audience == instruction.AudienceAll {
			all = append(all, e)
		}
	}
	narrowed := scope.Workspace != "" || (scope.Audience != "" && scope.Audience != instruction.AudienceAll)
	return ScopedResult{Entries: all, Scope: "audience:all", Fallback: narrowed}, nil
}
