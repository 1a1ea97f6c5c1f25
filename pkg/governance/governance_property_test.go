//go:build property
// +build property

package governance

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/helm/instructions/pkg/instruction"
	"github.com/Mindburn-Labs/helm/instructions/pkg/versioning"
)

// TestProperty_BodyChangesAlwaysBumpVersion checks that any accepted
// overwrite which changes the body strictly increases the version and grows
// the changelog by exactly one.
func TestProperty_BodyChangesAlwaysBumpVersion(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	g, err := NewEngine(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	g.WithClock(func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) })

	properties.Property("body change bumps version", prop.ForAll(
		func(first, second string) bool {
			cur, err := g.PrepareCreate(instruction.Draft{ID: "p", Body: "x" + first}, Options{})
			if err != nil {
				return false
			}
			next, err := g.PrepareOverwrite(cur, instruction.Draft{ID: "p", Body: "y" + second}, Options{})
			if err != nil {
				return false
			}
			a, _ := versioning.Parse(cur.Version)
			b, _ := versioning.Parse(next.Version)
			return b.GreaterThan(a) && len(next.ChangeLog) == len(cur.ChangeLog)+1
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// TestProperty_HashIgnoresBody checks governance-hash stability under body
// and category edits.
func TestProperty_HashIgnoresBody(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	g, err := NewEngine(nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	properties.Property("hash ignores body and categories", prop.ForAll(
		func(body, category string) bool {
			e, err := g.PrepareCreate(instruction.Draft{ID: "h", Body: "seed"}, Options{})
			if err != nil {
				return false
			}
			before, err := Hash([]*instruction.Entry{e})
			if err != nil {
				return false
			}
			e.Body = body
			e.Categories = []string{category}
			after, err := Hash([]*instruction.Entry{e})
			return err == nil && before == after
		},
		gen.AnyString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
