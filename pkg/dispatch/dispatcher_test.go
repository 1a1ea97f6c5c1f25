package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/instructions/pkg/catalog"
	"github.com/Mindburn-Labs/helm/instructions/pkg/gate"
	"github.com/Mindburn-Labs/helm/instructions/pkg/governance"
	"github.com/Mindburn-Labs/helm/instructions/pkg/history"
	"github.com/Mindburn-Labs/helm/instructions/pkg/store"
)

var fixedNow = time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	d       *Dispatcher
	dir     string
	gate    *gate.Gate
	history *history.Store
}

func newFixture(t *testing.T, dir string, gcfg gate.Config) *fixture {
	t.Helper()
	s, err := store.NewFileStore(dir, nil)
	require.NoError(t, err)
	eng, err := governance.NewEngine(nil, nil)
	require.NoError(t, err)
	eng.WithClock(func() time.Time { return fixedNow })
	g, err := gate.New(gcfg, nil)
	require.NoError(t, err)
	h, err := history.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "history.db"), 50, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })

	d, err := New(Config{
		Catalog:   catalog.NewService(s, catalog.Options{}),
		Engine:    eng,
		Gate:      g,
		History:   h,
		Workspace: "ws-test",
	})
	require.NoError(t, err)
	return &fixture{d: d, dir: dir, gate: g, history: h}
}

func confirmed(t *testing.T) *fixture {
	return newFixture(t, t.TempDir(), gate.Config{MutationEnabled: true, AutoConfirm: true})
}

func (f *fixture) call(t *testing.T, action string, args any) Result {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	return f.d.Dispatch(context.Background(), action, raw)
}

func payload(t *testing.T, r Result) map[string]any {
	t.Helper()
	data, err := json.Marshal(r)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func requireOK(t *testing.T, r Result) map[string]any {
	t.Helper()
	require.Nil(t, r.Failure, "unexpected failure: %+v", r.Failure)
	return payload(t, r)
}

func TestEveryActionIsRouted(t *testing.T) {
	f := confirmed(t)
	for _, a := range AllActions {
		_, ok := f.d.routes[a]
		assert.True(t, ok, "action %s has no route", a)
		_, ok = argSchemas[a]
		assert.True(t, ok, "action %s has no argument schema", a)
	}
	assert.Len(t, f.d.routes, len(AllActions))
	assert.Len(t, f.d.Actions(), len(AllActions))
}

func TestUnknownAction(t *testing.T) {
	f := confirmed(t)
	r := f.call(t, "explode", nil)
	require.NotNil(t, r.Failure)
	assert.Equal(t, ClassCaller, r.Failure.Class)
	assert.Equal(t, CodeUnknownAction, r.Failure.Code)
	assert.Contains(t, r.Failure.Hint, "governanceUpdate")
}

func TestScenarioA_VersionLifecycle(t *testing.T) {
	f := confirmed(t)

	out := requireOK(t, f.call(t, "add", map[string]any{
		"entry": map[string]any{"id": "e1", "body": "hello", "requirement": "optional"},
	}))
	assert.Equal(t, true, out["created"])
	assert.Equal(t, "1.0.0", out["version"])
	item := out["item"].(map[string]any)
	assert.Len(t, item["changeLog"], 1)

	out = requireOK(t, f.call(t, "add", map[string]any{
		"entry": map[string]any{"id": "e1", "body": "hello v2"}, "overwrite": true,
	}))
	assert.Equal(t, true, out["overwritten"])
	assert.Equal(t, "1.0.1", out["version"])
	assert.Len(t, out["item"].(map[string]any)["changeLog"], 2)

	before, err := os.ReadFile(filepath.Join(f.dir, "e1.json"))
	require.NoError(t, err)

	r := f.call(t, "add", map[string]any{
		"entry": map[string]any{"id": "e1", "body": "hello v3", "version": "1.0.0"}, "overwrite": true,
	})
	require.NotNil(t, r.Failure)
	assert.Equal(t, ClassGovernance, r.Failure.Class)
	assert.Equal(t, governance.CodeVersionNotBumped, r.Failure.Code)
	assert.NotEmpty(t, r.Failure.Hint)
	assert.NotNil(t, r.Failure.ReproEntry)

	after, err := os.ReadFile(filepath.Join(f.dir, "e1.json"))
	require.NoError(t, err)
	assert.Equal(t, before, after, "rejected overwrite must not touch the file")

	got := requireOK(t, f.call(t, "get", map[string]any{"id": "e1"}))
	assert.Equal(t, "hello v2", got["item"].(map[string]any)["body"])
}

func TestScenarioB_P1Ownership(t *testing.T) {
	f := confirmed(t)
	entry := map[string]any{"id": "p1", "body": "critical rule", "priorityTier": "P1", "categories": []string{}}

	r := f.call(t, "add", map[string]any{"entry": entry})
	require.NotNil(t, r.Failure)
	assert.Equal(t, ClassGovernance, r.Failure.Class)
	assert.Equal(t, "P1 requires category & owner", r.Failure.Code)
	assert.NotEmpty(t, r.Failure.Hint)

	body := payload(t, r)
	assert.Contains(t, body, "reproEntry")
	assert.Contains(t, body, "feedbackHint")

	entry["owner"] = "x"
	entry["categories"] = []string{"c"}
	out := requireOK(t, f.call(t, "add", map[string]any{"entry": entry}))
	assert.Equal(t, true, out["created"])
	assert.Equal(t, "P1", out["item"].(map[string]any)["priorityTier"])
}

func TestScenarioC_RemoveMissing(t *testing.T) {
	f := confirmed(t)
	out := requireOK(t, f.call(t, "remove", map[string]any{"id": "ghost"}))
	assert.Equal(t, []any{"ghost"}, out["notFound"])
	assert.Empty(t, out["removed"])
}

func TestRemoveThenInvisible(t *testing.T) {
	f := confirmed(t)
	requireOK(t, f.call(t, "add", map[string]any{"entry": map[string]any{"id": "a", "body": "x"}}))
	requireOK(t, f.call(t, "add", map[string]any{"entry": map[string]any{"id": "b", "body": "y"}}))

	out := requireOK(t, f.call(t, "remove", map[string]any{"ids": []string{"a", "zzz"}}))
	assert.Equal(t, []any{"a"}, out["removed"])
	assert.Equal(t, []any{"zzz"}, out["notFound"])

	_, err := os.Stat(filepath.Join(f.dir, "a.json"))
	assert.True(t, os.IsNotExist(err))
	got := requireOK(t, f.call(t, "get", map[string]any{"id": "a"}))
	assert.Equal(t, true, got["notFound"])
	list := requireOK(t, f.call(t, "list", nil))
	assert.EqualValues(t, 1, list["count"])
}

func TestGateBlocksUntilConfirmed(t *testing.T) {
	f := newFixture(t, t.TempDir(), gate.Config{MutationEnabled: true})
	add := map[string]any{"entry": map[string]any{"id": "g", "body": "gated"}}

	r := f.call(t, "add", add)
	require.NotNil(t, r.Failure)
	assert.Equal(t, ClassGate, r.Failure.Class)
	assert.Equal(t, gate.ReasonNotConfirmed, r.Failure.Code)
	_, err := os.Stat(filepath.Join(f.dir, "g.json"))
	assert.True(t, os.IsNotExist(err), "blocked mutation must not write")

	issued := requireOK(t, f.call(t, "gateRequest", map[string]any{"rationale": "seed catalog"}))
	token, _ := issued["token"].(string)
	require.NotEmpty(t, token)

	st := requireOK(t, f.call(t, "gateConfirm", map[string]any{"token": token}))
	assert.Equal(t, string(gate.StateConfirmed), st["state"])

	requireOK(t, f.call(t, "add", add))

	again := requireOK(t, f.call(t, "gateRequest", map[string]any{"rationale": "more"}))
	assert.Equal(t, true, again["alreadyConfirmed"])
}

func TestReadOnlyAndDisabled(t *testing.T) {
	ro := newFixture(t, t.TempDir(), gate.Config{MutationEnabled: true, ReadOnly: true})
	r := ro.call(t, "gateConfirm", map[string]any{"token": "whatever"})
	require.NotNil(t, r.Failure)
	assert.Equal(t, gate.ReasonReadOnly, r.Failure.Code)
	r = ro.call(t, "remove", map[string]any{"id": "x"})
	require.NotNil(t, r.Failure)
	assert.Equal(t, gate.ReasonReadOnly, r.Failure.Code)

	off := newFixture(t, t.TempDir(), gate.Config{MutationEnabled: false, AutoConfirm: true})
	r = off.call(t, "add", map[string]any{"entry": map[string]any{"id": "x", "body": "y"}})
	require.NotNil(t, r.Failure)
	assert.Equal(t, gate.ReasonMutationDisabled, r.Failure.Code)

	caps := requireOK(t, off.call(t, "capabilities", nil))
	assert.Equal(t, false, caps["mutationEnabled"])
}

func TestInvalidArguments(t *testing.T) {
	f := confirmed(t)
	cases := []struct {
		action string
		args   string
	}{
		{"get", `{}`},
		{"get", `{"id": 7}`},
		{"add", `{"entry": {"id": "x", "body": "y", "priority": "high"}}`},
		{"add", `{"entry": {"id": "x"}, "bogus": true}`},
		{"import", `{"entries": [], "mode": "merge"}`},
		{"remove", `{}`},
		{"search", `{"query": "x", "limit": -1}`},
		{"list", `[1, 2]`},
		{"list", `{not json`},
	}
	for _, tc := range cases {
		t.Run(tc.action+" "+tc.args, func(t *testing.T) {
			r := f.d.Dispatch(context.Background(), tc.action, json.RawMessage(tc.args))
			require.NotNil(t, r.Failure)
			assert.Equal(t, ClassCaller, r.Failure.Class)
			assert.Equal(t, CodeInvalidArguments, r.Failure.Code)
			assert.NotEmpty(t, r.Failure.Hint)
		})
	}
}

func TestInvalidSemverIsCheckedFirst(t *testing.T) {
	f := confirmed(t)
	r := f.call(t, "add", map[string]any{"entry": map[string]any{"id": "bad id!", "version": "v1"}})
	require.NotNil(t, r.Failure)
	assert.Equal(t, governance.CodeInvalidSemver, r.Failure.Code)
}

func TestAddExistingWithoutOverwrite(t *testing.T) {
	f := confirmed(t)
	add := map[string]any{"entry": map[string]any{"id": "dup", "body": "one"}}
	requireOK(t, f.call(t, "add", add))
	r := f.call(t, "add", add)
	require.NotNil(t, r.Failure)
	assert.Equal(t, ClassCaller, r.Failure.Class)
	assert.Equal(t, CodeAlreadyExists, r.Failure.Code)
}

func TestAddRejectsIDsOfIgnoredFiles(t *testing.T) {
	f := confirmed(t)
	for _, id := range []string{"manifest", "notes.template", "draft.tmp1"} {
		t.Run(id, func(t *testing.T) {
			r := f.call(t, "add", map[string]any{"entry": map[string]any{"id": id, "body": "shadow"}})
			require.NotNil(t, r.Failure)
			assert.Equal(t, ClassCaller, r.Failure.Class)
			assert.Equal(t, CodeInvalidID, r.Failure.Code)
			assert.NotEmpty(t, r.Failure.Hint)

			_, err := os.Stat(filepath.Join(f.dir, id+".json"))
			assert.True(t, os.IsNotExist(err))

			r = f.call(t, "get", map[string]any{"id": id})
			require.NotNil(t, r.Failure)
			assert.Equal(t, CodeInvalidID, r.Failure.Code)
		})
	}

	r := f.call(t, "add", map[string]any{"entry": map[string]any{"title": "Manifest", "body": "x"}, "lax": true})
	require.NotNil(t, r.Failure)
	assert.Equal(t, CodeInvalidID, r.Failure.Code)
}

func TestAddOverCorruptRecordNeedsOverwrite(t *testing.T) {
	f := confirmed(t)
	requireOK(t, f.call(t, "list", nil))
	corrupt := []byte(`{"id": "broken",`)
	path := filepath.Join(f.dir, "broken.json")
	require.NoError(t, os.WriteFile(path, corrupt, 0o644))
	f.d.catalog.Freshness().Invalidate()

	got := requireOK(t, f.call(t, "get", map[string]any{"id": "broken"}))
	assert.Equal(t, true, got["notFound"])

	add := map[string]any{"entry": map[string]any{"id": "broken", "body": "fixed"}}
	r := f.call(t, "add", add)
	require.NotNil(t, r.Failure)
	assert.Equal(t, ClassCaller, r.Failure.Class)
	assert.Equal(t, CodeAlreadyExists, r.Failure.Code)
	assert.Contains(t, r.Failure.Hint, "overwrite")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, corrupt, data, "the corrupt file is left for the operator")

	add["overwrite"] = true
	out := requireOK(t, f.call(t, "add", add))
	assert.Equal(t, true, out["created"])
	got = requireOK(t, f.call(t, "get", map[string]any{"id": "broken"}))
	assert.Equal(t, "fixed", got["item"].(map[string]any)["body"])
}

func TestLaxAddDerivesID(t *testing.T) {
	f := confirmed(t)
	out := requireOK(t, f.call(t, "add", map[string]any{
		"entry": map[string]any{"title": "Use Tabs Everywhere", "body": "tabs", "audience": "aliens"},
		"lax":   true,
	}))
	assert.Equal(t, "use-tabs-everywhere", out["id"])
	item := out["item"].(map[string]any)
	assert.Equal(t, "all", item["audience"])
	assert.Equal(t, "ws-test", item["sourceWorkspace"])
}

func TestImportModes(t *testing.T) {
	f := confirmed(t)
	requireOK(t, f.call(t, "add", map[string]any{"entry": map[string]any{"id": "keep", "body": "v1"}}))

	entries := []map[string]any{
		{"id": "keep", "body": "v2"},
		{"id": "fresh", "body": "new"},
		{"id": "broken", "body": "x", "version": "nope"},
	}
	out := requireOK(t, f.call(t, "import", map[string]any{"entries": entries, "mode": "skip"}))
	assert.EqualValues(t, 1, out["created"])
	assert.EqualValues(t, 1, out["skipped"])
	assert.EqualValues(t, 1, out["failed"])
	results := out["results"].([]any)
	require.Len(t, results, 3)
	assert.Equal(t, governance.CodeInvalidSemver, results[2].(map[string]any)["error"])

	got := requireOK(t, f.call(t, "get", map[string]any{"id": "keep"}))
	assert.Equal(t, "v1", got["item"].(map[string]any)["body"])

	out = requireOK(t, f.call(t, "import", map[string]any{"entries": entries[:2], "mode": "overwrite"}))
	assert.EqualValues(t, 2, out["overwritten"])
	got = requireOK(t, f.call(t, "get", map[string]any{"id": "keep"}))
	assert.Equal(t, "v2", got["item"].(map[string]any)["body"])
	assert.Equal(t, "1.0.1", got["item"].(map[string]any)["version"])
}

func TestExportAndDiff(t *testing.T) {
	f := confirmed(t)
	for _, id := range []string{"a", "b"} {
		requireOK(t, f.call(t, "add", map[string]any{"entry": map[string]any{"id": id, "body": "body " + id, "rationale": "why"}}))
	}

	out := requireOK(t, f.call(t, "export", map[string]any{"ids": []string{"b", "nope"}, "metaOnly": true}))
	assert.EqualValues(t, 1, out["count"])
	assert.Equal(t, []any{"nope"}, out["missing"])
	item := out["items"].([]any)[0].(map[string]any)
	assert.Equal(t, "", item["body"])
	assert.NotContains(t, item, "rationale")

	h := requireOK(t, f.call(t, "governanceHash", nil))
	hash := h["hash"].(string)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, hash)

	same := requireOK(t, f.call(t, "diff", map[string]any{"hash": hash}))
	assert.Equal(t, true, same["upToDate"])
	assert.NotContains(t, same, "entries")

	stale := requireOK(t, f.call(t, "diff", map[string]any{"hash": "sha256:old"}))
	assert.Equal(t, false, stale["upToDate"])
	assert.Len(t, stale["entries"], 2)
	assert.Len(t, stale["projections"], 2)
}

func TestGovernanceHashIgnoresCosmeticEdits(t *testing.T) {
	f := confirmed(t)
	requireOK(t, f.call(t, "add", map[string]any{"entry": map[string]any{
		"id": "h", "body": "Summary line\nmore", "semanticSummary": "fixed summary", "version": "1.0.0",
	}}))
	before := requireOK(t, f.call(t, "governanceHash", nil))["hash"]

	requireOK(t, f.call(t, "add", map[string]any{"entry": map[string]any{
		"id": "h", "rationale": "reworded", "categories": []string{"style"},
	}, "overwrite": true}))
	assert.Equal(t, before, requireOK(t, f.call(t, "governanceHash", nil))["hash"])

	requireOK(t, f.call(t, "governanceUpdate", map[string]any{"id": "h", "owner": "team-a"}))
	assert.NotEqual(t, before, requireOK(t, f.call(t, "governanceHash", nil))["hash"])
}

func TestGovernanceUpdate(t *testing.T) {
	f := confirmed(t)
	requireOK(t, f.call(t, "add", map[string]any{"entry": map[string]any{"id": "g", "body": "b"}}))

	out := requireOK(t, f.call(t, "governanceUpdate", map[string]any{"id": "g", "status": "approved", "bump": "minor"}))
	assert.Equal(t, true, out["updated"])
	assert.Equal(t, "1.1.0", out["version"])
	assert.Equal(t, []any{"status", "version"}, out["changed"])

	noop := requireOK(t, f.call(t, "governanceUpdate", map[string]any{"id": "g", "status": "approved"}))
	assert.Equal(t, false, noop["updated"])
	assert.Equal(t, "1.1.0", noop["version"])

	missing := requireOK(t, f.call(t, "governanceUpdate", map[string]any{"id": "nope", "status": "approved"}))
	assert.Equal(t, true, missing["notFound"])

	r := f.call(t, "governanceUpdate", map[string]any{"id": "g", "bump": "huge"})
	require.NotNil(t, r.Failure)
	assert.Equal(t, ClassGovernance, r.Failure.Class)
	assert.Equal(t, governance.CodeInvalidField, r.Failure.Code)

	r = f.call(t, "governanceUpdate", map[string]any{"id": "g", "requirement": "mandatory"})
	require.NotNil(t, r.Failure)
	assert.Equal(t, CodeInvalidArguments, r.Failure.Code)
}

func TestListFilters(t *testing.T) {
	f := confirmed(t)
	requireOK(t, f.call(t, "add", map[string]any{"entry": map[string]any{"id": "a", "body": "x", "categories": []string{"Go"}, "priority": 10, "owner": "o"}}))
	requireOK(t, f.call(t, "add", map[string]any{"entry": map[string]any{"id": "b", "body": "y", "priority": 90}}))

	out := requireOK(t, f.call(t, "list", map[string]any{"filter": map[string]any{"category": "go"}}))
	assert.EqualValues(t, 1, out["count"])

	out = requireOK(t, f.call(t, "list", map[string]any{"expr": `entry.priority > 50`, "debug": true}))
	assert.EqualValues(t, 1, out["count"])
	assert.Equal(t, "b", out["items"].([]any)[0].(map[string]any)["id"])
	assert.Contains(t, out, "debug")

	r := f.call(t, "list", map[string]any{"expr": `entry.priority +`})
	require.NotNil(t, r.Failure)
	assert.Equal(t, CodeInvalidFilter, r.Failure.Code)
	assert.Equal(t, ClassCaller, r.Failure.Class)
}

func TestCrossProcessVisibility(t *testing.T) {
	dir := t.TempDir()
	cfg := gate.Config{MutationEnabled: true, AutoConfirm: true}
	a := newFixture(t, dir, cfg)
	b := newFixture(t, dir, cfg)

	requireOK(t, b.call(t, "list", nil))
	requireOK(t, a.call(t, "add", map[string]any{"entry": map[string]any{"id": "x", "body": "from a"}}))

	out := requireOK(t, b.call(t, "list", nil))
	assert.EqualValues(t, 1, out["count"])
	got := requireOK(t, b.call(t, "get", map[string]any{"id": "x"}))
	assert.Equal(t, "from a", got["item"].(map[string]any)["body"])

	expect := requireOK(t, b.call(t, "list", map[string]any{"expectId": "x"}))
	assert.Equal(t, true, expect["expectFound"])
}

func TestCallerErrorsStayCallerErrorsUnderLoad(t *testing.T) {
	f := confirmed(t)
	var wg sync.WaitGroup
	errs := make(chan string, 200)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				id := fmt.Sprintf("w%d-%d", i, j)
				if r := f.call(t, "add", map[string]any{"entry": map[string]any{"id": id, "body": "b"}}); r.Failure != nil {
					errs <- "add failed: " + r.Failure.Code
				}
				if r := f.call(t, "get", map[string]any{"id": "bad id!"}); r.Failure == nil || r.Failure.Class != ClassCaller {
					errs <- "invalid id not a caller error"
				}
				if r := f.call(t, "remove", map[string]any{"id": "never-" + id}); r.Failure != nil {
					errs <- "remove of missing id failed: " + r.Failure.Code
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Error(e)
	}
	out := requireOK(t, f.call(t, "list", nil))
	assert.EqualValues(t, 200, out["count"])
}

func TestHistoryRecordsMutations(t *testing.T) {
	f := newFixture(t, t.TempDir(), gate.Config{MutationEnabled: true})
	f.call(t, "add", map[string]any{"entry": map[string]any{"id": "h", "body": "b"}})
	requireOK(t, f.call(t, "list", nil))

	out := requireOK(t, f.call(t, "history", map[string]any{"limit": 10}))
	assert.Equal(t, true, out["enabled"])
	recs := out["records"].([]any)
	require.Len(t, recs, 1)
	rec := recs[0].(map[string]any)
	assert.Equal(t, "add", rec["action"])
	assert.Equal(t, "h", rec["entryId"])
	assert.Equal(t, history.OutcomeFailed, rec["outcome"])
	assert.Equal(t, gate.ReasonNotConfirmed, rec["errorCode"])
}

func TestListScopedUsesConfiguredWorkspace(t *testing.T) {
	f := confirmed(t)
	requireOK(t, f.call(t, "add", map[string]any{"entry": map[string]any{"id": "mine", "body": "b", "audience": "group"}}))

	out := requireOK(t, f.call(t, "listScoped", nil))
	assert.Equal(t, "workspace:ws-test", out["scope"])
	assert.Len(t, out["items"], 1)

	out = requireOK(t, f.call(t, "listScoped", map[string]any{"workspace": "elsewhere"}))
	assert.Equal(t, true, out["fallback"])
	assert.Empty(t, out["items"])
}

func TestSearchAction(t *testing.T) {
	f := confirmed(t)
	requireOK(t, f.call(t, "add", map[string]any{"entry": map[string]any{"id": "s", "title": "Naming", "body": "Prefer STRASSE"}}))
	out := requireOK(t, f.call(t, "search", map[string]any{"query": "straße"}))
	assert.EqualValues(t, 1, out["count"])
	hit := out["items"].([]any)[0].(map[string]any)
	assert.Equal(t, []any{"body"}, hit["matchedFields"])
}

func TestFailureEnvelopeShape(t *testing.T) {
	r := Result{Action: ActionGet, Failure: &Failure{Code: "x", Class: ClassCaller, Hint: "h"}}
	data, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":"x","class":"caller_error","feedbackHint":"h"}`, string(data))

	ok := Result{Action: ActionGet, Data: getResult{NotFound: true}}
	data, err = json.Marshal(ok)
	require.NoError(t, err)
	assert.JSONEq(t, `{"notFound":true}`, string(data))
}

func TestClassifyInternal(t *testing.T) {
	f := classify(internal(CodeAtomicVisibility, fmt.Errorf("boom")))
	assert.Equal(t, ClassInternal, f.Class)
	assert.Equal(t, CodeAtomicVisibility, f.Code)
	assert.Equal(t, "atomic_visibility_failed: boom", f.Detail["cause"])

	f = classify(fmt.Errorf("wrapped: %w", store.ErrInvalidID))
	assert.Equal(t, ClassCaller, f.Class)
}
