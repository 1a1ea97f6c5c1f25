package governance

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/Mindburn-Labs/helm/instructions/pkg/instruction"
	"github.com/Mindburn-Labs/helm/instructions/pkg/versioning"
)

// Changelog summaries written by the engine.
const (
	SummaryInitial  = "initial version"
	SummaryAutoBump = "auto patch bump: body changed"
	SummaryExplicit = "version set explicitly"
	SummaryBody     = "body changed"
)

// DefaultPriority is assigned when neither priority nor tier is supplied.
const DefaultPriority = 50

// Options carry per-call settings for create and overwrite.
type Options struct {
	// Lax derives what it can (id, coerced enums) instead of rejecting.
	Lax       bool
	Agent     string
	Workspace string
}

// Patch is a governance-only update. Empty fields are left alone.
type Patch struct {
	Owner          *string                    `json:"owner,omitempty"`
	Status         instruction.Status         `json:"status,omitempty"`
	PriorityTier   instruction.Tier           `json:"priorityTier,omitempty"`
	Classification instruction.Classification `json:"classification,omitempty"`
	Bump           versioning.Bump            `json:"bump,omitempty"`
	Reviewed       bool                       `json:"reviewed,omitempty"`
}

// Engine applies governance to entries before they reach the store. It
// holds no catalog state.
type Engine struct {
	policy *Policy
	rules  []compiledRule
	clock  func() time.Time
	logger *slog.Logger
}

// NewEngine compiles the policy rules. A nil policy means DefaultPolicy.
func NewEngine(policy *Policy, logger *slog.Logger) (*Engine, error) {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default().With("component", "governance")
	}
	env, err := newRuleEnv()
	if err != nil {
		return nil, err
	}
	rules := make([]compiledRule, 0, len(policy.Rules))
	for _, r := range policy.Rules {
		cr, err := compileRule(env, r)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.Name, err)
		}
		rules = append(rules, cr)
	}
	return &Engine{policy: policy, rules: rules, clock: time.Now, logger: logger}, nil
}

// WithClock overrides clock for testing.
func (g *Engine) WithClock(clock func() time.Time) *Engine {
	g.clock = clock
	return g
}

// Policy returns the active policy.
func (g *Engine) Policy() *Policy { return g.policy }

func (g *Engine) now() time.Time { return g.clock().UTC() }

// PrepareCreate turns a draft into a new entry, deriving every omitted
// governance field.
func (g *Engine) PrepareCreate(d instruction.Draft, opts Options) (*instruction.Entry, error) {
	if v := checkSemver(d); v != nil {
		return nil, v
	}
	if d.ID == "" && opts.Lax {
		d.ID = DeriveID(d)
	}
	if d.ID == "" {
		return nil, violation(CodeMissingRequiredField, "id", "id is required",
			`supply "id" (letters, digits, '.', '_', '-'), or use lax mode to derive it from the title`, d)
	}
	if !instruction.ValidID(d.ID) {
		return nil, violation(CodeInvalidField, "id", "id must match ^[a-zA-Z0-9][a-zA-Z0-9._-]*$",
			`use letters, digits, '.', '_' and '-' only; the id becomes the file name`, d)
	}
	if strings.TrimSpace(d.Body) == "" {
		return nil, violation(CodeMissingRequiredField, "body", "body is required",
			`supply a non-empty "body"`, d)
	}

	now := g.now()
	e := &instruction.Entry{
		ID:              d.ID,
		Body:            d.Body,
		Rationale:       d.Rationale,
		Audience:        instruction.AudienceAll,
		Requirement:     instruction.RequirementOptional,
		Status:          instruction.StatusDraft,
		Classification:  instruction.ClassificationInternal,
		Categories:      []string{},
		Owner:           strings.TrimSpace(d.Owner),
		CreatedAt:       now,
		UpdatedAt:       now,
		CreatedByAgent:  opts.Agent,
		SourceWorkspace: opts.Workspace,
	}
	tierSupplied, v := g.applyFields(e, d, opts.Lax)
	if v != nil {
		return nil, v
	}

	switch {
	case tierSupplied && d.Priority == nil:
		e.Priority, _ = g.policy.PriorityFor(e.PriorityTier)
	case !tierSupplied:
		if d.Priority == nil {
			e.Priority = DefaultPriority
		}
		e.PriorityTier = g.policy.TierFor(e.Priority)
	}

	e.Title = firstNonEmpty(strings.TrimSpace(d.Title), instruction.FirstLine(d.Body), d.ID)
	e.SemanticSummary = firstNonEmpty(strings.TrimSpace(d.SemanticSummary), instruction.FirstLine(d.Body))
	e.LastReviewedAt = now
	if d.LastReviewedAt != nil {
		e.LastReviewedAt = d.LastReviewedAt.UTC()
	}
	e.NextReviewDue = e.LastReviewedAt.Add(g.policy.ReviewInterval(e.PriorityTier))
	if d.NextReviewDue != nil {
		e.NextReviewDue = d.NextReviewDue.UTC()
	}

	e.Version = versioning.Initial
	if d.Version != "" {
		e.Version = d.Version
	}
	e.ChangeLog = []instruction.ChangeLogEntry{{Version: e.Version, ChangedAt: now, Summary: SummaryInitial}}
	e.SourceHash = instruction.SourceHash(e.Body)

	if err := g.Check(e); err != nil {
		return nil, err
	}
	return e, nil
}

// PrepareOverwrite merges d over cur. Omitted fields keep their current
// values. A body change needs a strictly greater version, supplied or
// auto-bumped.
func (g *Engine) PrepareOverwrite(cur *instruction.Entry, d instruction.Draft, opts Options) (*instruction.Entry, error) {
	if v := checkSemver(d); v != nil {
		return nil, v
	}
	curV, err := versioning.Parse(cur.Version)
	if err != nil {
		return nil, fmt.Errorf("stored entry %s: %w", cur.ID, err)
	}

	now := g.now()
	e := cur.Clone()
	e.UpdatedAt = now
	if d.Body != "" {
		e.Body = d.Body
	}
	bodyChanged := e.Body != cur.Body
	if t := strings.TrimSpace(d.Title); t != "" {
		e.Title = t
	}
	if d.Rationale != "" {
		e.Rationale = d.Rationale
	}
	if o := strings.TrimSpace(d.Owner); o != "" {
		e.Owner = o
	}
	tierSupplied, v := g.applyFields(e, d, opts.Lax)
	if v != nil {
		return nil, v
	}
	if !tierSupplied && e.Priority != cur.Priority {
		e.PriorityTier = g.policy.TierFor(e.Priority)
	}

	switch {
	case strings.TrimSpace(d.SemanticSummary) != "":
		e.SemanticSummary = strings.TrimSpace(d.SemanticSummary)
	case bodyChanged && cur.SemanticSummary == instruction.FirstLine(cur.Body):
		e.SemanticSummary = instruction.FirstLine(e.Body)
	}

	if d.LastReviewedAt != nil {
		e.LastReviewedAt = d.LastReviewedAt.UTC()
	}
	switch {
	case d.NextReviewDue != nil:
		e.NextReviewDue = d.NextReviewDue.UTC()
	case e.PriorityTier != cur.PriorityTier || !e.LastReviewedAt.Equal(cur.LastReviewedAt):
		e.NextReviewDue = e.LastReviewedAt.Add(g.policy.ReviewInterval(e.PriorityTier))
	}

	switch {
	case d.Version != "":
		next, _ := versioning.Parse(d.Version)
		if bodyChanged && !next.GreaterThan(curV) {
			return nil, violation(CodeVersionNotBumped, "version",
				fmt.Sprintf("body changed, so version must be greater than %s (got %s)", cur.Version, d.Version),
				fmt.Sprintf(`omit "version" to auto-bump to %s, or supply a version greater than %s`, curV.IncrementPatch(), cur.Version), d)
		}
		if !bodyChanged && curV.GreaterThan(next) {
			return nil, violation(CodeVersionRegression, "version",
				fmt.Sprintf("version may not decrease from %s to %s", cur.Version, d.Version),
				fmt.Sprintf(`omit "version" or supply %s or later`, cur.Version), d)
		}
		e.Version = next.String()
		if next.GreaterThan(curV) {
			summary := SummaryExplicit
			if bodyChanged {
				summary = SummaryBody
			}
			e.ChangeLog = append(e.ChangeLog, instruction.ChangeLogEntry{Version: e.Version, ChangedAt: now, Summary: summary})
		}
	case bodyChanged:
		e.Version = curV.IncrementPatch().String()
		e.ChangeLog = append(e.ChangeLog, instruction.ChangeLogEntry{Version: e.Version, ChangedAt: now, Summary: SummaryAutoBump})
	}
	e.SourceHash = instruction.SourceHash(e.Body)

	if err := g.Check(e); err != nil {
		return nil, err
	}
	return e, nil
}

// PatchGovernance applies a governance-only patch. It returns the names of
// the fields that changed; an empty list with a nil error means the patch
// was a no-op and nothing needs to be written.
func (g *Engine) PatchGovernance(cur *instruction.Entry, p Patch) (*instruction.Entry, []string, error) {
	if !p.Bump.Valid() {
		return nil, nil, violation(CodeInvalidField, "bump", "bump must be one of none, patch, minor, major",
			`set "bump" to none, patch, minor or major`, p)
	}
	if p.Status != "" && !p.Status.Valid() {
		return nil, nil, violation(CodeInvalidField, "status", "status must be one of draft, review, approved, deprecated",
			`set "status" to draft, review, approved or deprecated`, p)
	}
	if p.PriorityTier != "" && !p.PriorityTier.Valid() {
		return nil, nil, violation(CodeInvalidField, "priorityTier", "priorityTier must be one of P1, P2, P3, P4",
			`set "priorityTier" to P1, P2, P3 or P4`, p)
	}
	if p.Classification != "" && !p.Classification.Valid() {
		return nil, nil, violation(CodeInvalidField, "classification", "classification must be one of public, internal, restricted",
			`set "classification" to public, internal or restricted`, p)
	}
	curV, err := versioning.Parse(cur.Version)
	if err != nil {
		return nil, nil, fmt.Errorf("stored entry %s: %w", cur.ID, err)
	}

	now := g.now()
	e := cur.Clone()
	var changed []string
	if p.Owner != nil && strings.TrimSpace(*p.Owner) != e.Owner {
		e.Owner = strings.TrimSpace(*p.Owner)
		changed = append(changed, "owner")
	}
	if p.Status != "" && p.Status != e.Status {
		e.Status = p.Status
		changed = append(changed, "status")
	}
	if p.Classification != "" && p.Classification != e.Classification {
		e.Classification = p.Classification
		changed = append(changed, "classification")
	}
	if p.PriorityTier != "" && p.PriorityTier != e.PriorityTier {
		e.PriorityTier = p.PriorityTier
		changed = append(changed, "priorityTier")
	}
	if p.Reviewed {
		e.LastReviewedAt = now
		changed = append(changed, "lastReviewedAt")
	}
	if e.PriorityTier != cur.PriorityTier || p.Reviewed {
		e.NextReviewDue = e.LastReviewedAt.Add(g.policy.ReviewInterval(e.PriorityTier))
	}

	next := p.Bump.Apply(curV)
	if len(changed) == 0 && !next.GreaterThan(curV) {
		return cur.Clone(), nil, nil
	}
	if next.GreaterThan(curV) {
		e.Version = next.String()
		summary := "governance update: version bump"
		if len(changed) > 0 {
			summary = "governance update: " + strings.Join(changed, ", ")
		}
		e.ChangeLog = append(e.ChangeLog, instruction.ChangeLogEntry{Version: e.Version, ChangedAt: now, Summary: summary})
		changed = append(changed, "version")
	}
	e.UpdatedAt = now

	if err := g.Check(e); err != nil {
		return nil, nil, err
	}
	return e, changed, nil
}

// Check runs the policy rules against a fully formed entry and returns the
// first violated rule.
func (g *Engine) Check(e *instruction.Entry) error {
	input := Activation(e)
	for _, r := range g.rules {
		if r.when != nil {
			applies, err := evalBool(r.when, input)
			if err != nil {
				return fmt.Errorf("rule %s: when: %w", r.Name, err)
			}
			if !applies {
				continue
			}
		}
		ok, err := evalBool(r.require, input)
		if err != nil {
			return fmt.Errorf("rule %s: require: %w", r.Name, err)
		}
		if !ok {
			g.logger.Info("governance: rule violated", "id", e.ID, "rule", r.Name)
			return violation(r.Error, "", r.Requirement, r.Hint, e)
		}
	}
	return nil
}

// applyFields copies validated enum and range fields from d into e. In lax
// mode invalid values are dropped instead of rejected. It reports whether a
// valid tier was supplied.
func (g *Engine) applyFields(e *instruction.Entry, d instruction.Draft, lax bool) (bool, *Violation) {
	reject := func(field, requirement, hint string) *Violation {
		if lax {
			g.logger.Info("governance: ignoring invalid field in lax mode", "id", d.ID, "field", field)
			return nil
		}
		return violation(CodeInvalidField, field, requirement, hint, d)
	}

	if d.Priority != nil {
		p := *d.Priority
		if p < 0 || p > 100 {
			if v := reject("priority", "priority must be between 0 and 100", `set "priority" to an integer from 0 to 100`); v != nil {
				return false, v
			}
			p = min(max(p, 0), 100)
		}
		e.Priority = p
	}
	if d.Audience != "" {
		if d.Audience.Valid() {
			e.Audience = d.Audience
		} else if v := reject("audience", "audience must be one of individual, group, all", `set "audience" to individual, group or all`); v != nil {
			return false, v
		}
	}
	if d.Requirement != "" {
		if d.Requirement.Valid() {
			e.Requirement = d.Requirement
		} else if v := reject("requirement", "requirement must be one of optional, recommended, mandatory, critical", `set "requirement" to optional, recommended, mandatory or critical`); v != nil {
			return false, v
		}
	}
	if d.Status != "" {
		if d.Status.Valid() {
			e.Status = d.Status
		} else if v := reject("status", "status must be one of draft, review, approved, deprecated", `set "status" to draft, review, approved or deprecated`); v != nil {
			return false, v
		}
	}
	if d.Classification != "" {
		if d.Classification.Valid() {
			e.Classification = d.Classification
		} else if v := reject("classification", "classification must be one of public, internal, restricted", `set "classification" to public, internal or restricted`); v != nil {
			return false, v
		}
	}
	if d.Categories != nil {
		e.Categories = instruction.NormalizeCategories(d.Categories)
	}

	tierSupplied := false
	if d.PriorityTier != "" {
		if d.PriorityTier.Valid() {
			e.PriorityTier = d.PriorityTier
			tierSupplied = true
		} else if v := reject("priorityTier", "priorityTier must be one of P1, P2, P3, P4", `set "priorityTier" to P1, P2, P3 or P4, or omit it to derive from priority`); v != nil {
			return false, v
		}
	}
	return tierSupplied, nil
}

func checkSemver(d instruction.Draft) *Violation {
	if d.Version == "" {
		return nil
	}
	if _, err := versioning.Parse(d.Version); err != nil {
		return violation(CodeInvalidSemver, "version",
			fmt.Sprintf("version must be MAJOR.MINOR.PATCH, got %q", d.Version),
			`use a plain semantic version such as "1.2.3" (no "v" prefix, no pre-release tag), or omit it`, d)
	}
	return nil
}

// CheckVersion reports invalid_semver for a malformed supplied version. It
// is the first check every create or overwrite runs.
func CheckVersion(d instruction.Draft) error {
	if v := checkSemver(d); v != nil {
		return v
	}
	return nil
}

// DeriveID builds an id from the draft's title, or its body's first line.
func DeriveID(d instruction.Draft) string {
	src := firstNonEmpty(strings.TrimSpace(d.Title), instruction.FirstLine(d.Body))
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(src) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
		if b.Len() >= 64 {
			break
		}
	}
	return strings.TrimRight(b.String(), "-")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
