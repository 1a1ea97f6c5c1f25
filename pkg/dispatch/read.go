package dispatch

import (
	"context"
	"time"

	"github.com/Mindburn-Labs/helm/instructions/pkg/catalog"
	"github.com/Mindburn-Labs/helm/instructions/pkg/gate"
	"github.com/Mindburn-Labs/helm/instructions/pkg/governance"
	"github.com/Mindburn-Labs/helm/instructions/pkg/history"
	"github.com/Mindburn-Labs/helm/instructions/pkg/instruction"
	"github.com/Mindburn-Labs/helm/instructions/pkg/store"
)

type listFilter struct {
	Category     string                  `json:"category"`
	Audience     instruction.Audience    `json:"audience"`
	Requirement  instruction.Requirement `json:"requirement"`
	PriorityTier instruction.Tier        `json:"priorityTier"`
	Status       instruction.Status      `json:"status"`
	Owner        string                  `json:"owner"`
}

func (f *listFilter) match(e *instruction.Entry) bool {
	if f == nil {
		return true
	}
	if f.Category != "" {
		want := instruction.NormalizeCategories([]string{f.Category})
		found := false
		for _, c := range e.Categories {
			if len(want) == 1 && c == want[0] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return (f.Audience == "" || e.Audience == f.Audience) &&
		(f.Requirement == "" || e.Requirement == f.Requirement) &&
		(f.PriorityTier == "" || e.PriorityTier == f.PriorityTier) &&
		(f.Status == "" || e.Status == f.Status) &&
		(f.Owner == "" || e.Owner == f.Owner)
}

type listArgs struct {
	Filter   *listFilter `json:"filter"`
	Expr     string      `json:"expr"`
	ExpectID string      `json:"expectId"`
	Debug    bool        `json:"debug"`
}

type listResult struct {
	Items       []*instruction.Entry `json:"items"`
	Count       int                  `json:"count"`
	Hash        string               `json:"hash"`
	ExpectFound *bool                `json:"expectFound,omitempty"`
	Debug       *catalog.Debug       `json:"debug,omitempty"`
}

func (d *Dispatcher) list(ctx context.Context, a listArgs) (listResult, error) {
	var prg *governance.Filter
	if a.Expr != "" {
		f, err := governance.CompileFilter(a.Expr)
		if err != nil {
			return listResult{}, callerError(CodeInvalidFilter, err.Error(),
				"expr does not compile to a boolean over entry")
		}
		prg = f
	}

	var res listResult
	if a.ExpectID != "" {
		_, found, err := d.catalog.Get(ctx, a.ExpectID, true)
		if err != nil {
			return listResult{}, internal(CodeCatalogLoad, err)
		}
		res.ExpectFound = &found
	}

	entries, err := d.catalog.List(ctx)
	if err != nil {
		return listResult{}, internal(CodeCatalogLoad, err)
	}
	res.Items = []*instruction.Entry{}
	for _, e := range entries {
		if !a.Filter.match(e) {
			continue
		}
		if prg != nil {
			ok, err := prg.Match(e)
			if err != nil {
				return listResult{}, callerError(CodeInvalidFilter, "expr must evaluate to a bool for every entry", "%v", err)
			}
			if !ok {
				continue
			}
		}
		res.Items = append(res.Items, e)
	}
	res.Count = len(res.Items)
	if res.Hash, err = d.catalog.Hash(ctx); err != nil {
		return listResult{}, internal(CodeCatalogLoad, err)
	}
	if a.Debug {
		dbg := d.catalog.Debug()
		res.Debug = &dbg
	}
	return res, nil
}

type getArgs struct {
	ID string `json:"id"`
}

type getResult struct {
	Item     *instruction.Entry `json:"item,omitempty"`
	NotFound bool               `json:"notFound"`
}

func (d *Dispatcher) get(ctx context.Context, a getArgs) (getResult, error) {
	if !store.ValidID(a.ID) {
		return getResult{}, invalidID(a.ID)
	}
	e, found, err := d.catalog.Get(ctx, a.ID, true)
	if err != nil {
		return getResult{}, internal(CodeCatalogLoad, err)
	}
	if !found {
		return getResult{NotFound: true}, nil
	}
	return getResult{Item: e}, nil
}

type exportArgs struct {
	IDs      []string `json:"ids"`
	MetaOnly bool     `json:"metaOnly"`
}

type exportResult struct {
	Items      []*instruction.Entry `json:"items"`
	Count      int                  `json:"count"`
	Missing    []string             `json:"missing,omitempty"`
	Hash       string               `json:"hash"`
	MetaOnly   bool                 `json:"metaOnly"`
	ExportedAt time.Time            `json:"exportedAt"`
}

func (d *Dispatcher) export(ctx context.Context, a exportArgs) (exportResult, error) {
	entries, err := d.catalog.List(ctx)
	if err != nil {
		return exportResult{}, internal(CodeCatalogLoad, err)
	}
	var missing []string
	if len(a.IDs) > 0 {
		byID := make(map[string]*instruction.Entry, len(entries))
		for _, e := range entries {
			byID[e.ID] = e
		}
		picked := []*instruction.Entry{}
		seen := map[string]bool{}
		for _, id := range a.IDs {
			if seen[id] {
				continue
			}
			seen[id] = true
			if e, ok := byID[id]; ok {
				picked = append(picked, e)
			} else {
				missing = append(missing, id)
			}
		}
		entries = picked
	}

	items := make([]*instruction.Entry, 0, len(entries))
	for _, e := range entries {
		if a.MetaOnly {
			e.Body = ""
			e.Rationale = ""
		}
		items = append(items, e)
	}
	hash, err := d.catalog.Hash(ctx)
	if err != nil {
		return exportResult{}, internal(CodeCatalogLoad, err)
	}
	return exportResult{
		Items:      items,
		Count:      len(items),
		Missing:    missing,
		Hash:       hash,
		MetaOnly:   a.MetaOnly,
		ExportedAt: d.clock().UTC(),
	}, nil
}

type diffArgs struct {
	Hash string `json:"hash"`
}

type diffResult struct {
	UpToDate    bool                    `json:"upToDate"`
	Hash        string                  `json:"hash"`
	Projections []governance.Projection `json:"projections,omitempty"`
	Entries     []*instruction.Entry    `json:"entries,omitempty"`
}

func (d *Dispatcher) diff(ctx context.Context, a diffArgs) (diffResult, error) {
	hash, err := d.catalog.Hash(ctx)
	if err != nil {
		return diffResult{}, internal(CodeCatalogLoad, err)
	}
	if a.Hash == hash {
		return diffResult{UpToDate: true, Hash: hash}, nil
	}
	entries, err := d.catalog.List(ctx)
	if err != nil {
		return diffResult{}, internal(CodeCatalogLoad, err)
	}
	return diffResult{
		Hash:        hash,
		Projections: governance.Projections(entries),
		Entries:     entries,
	}, nil
}

type noArgs struct{}

type capabilitiesResult struct {
	Version         string     `json:"version"`
	Actions         []string   `json:"actions"`
	MutatingActions []string   `json:"mutatingActions"`
	MutationEnabled bool       `json:"mutationEnabled"`
	GateState       gate.State `json:"gateState"`
}

func (d *Dispatcher) capabilities(_ context.Context, _ noArgs) (capabilitiesResult, error) {
	var mutating []Action
	for _, a := range AllActions {
		if a.Mutating() {
			mutating = append(mutating, a)
		}
	}
	st := d.gate.Status()
	return capabilitiesResult{
		Version:         Version,
		Actions:         d.Actions(),
		MutatingActions: sortedActions(mutating),
		MutationEnabled: st.MutationEnabled,
		GateState:       st.State,
	}, nil
}

type searchArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type searchResult struct {
	Items []catalog.Match `json:"items"`
	Count int             `json:"count"`
}

func (d *Dispatcher) search(ctx context.Context, a searchArgs) (searchResult, error) {
	hits, err := d.catalog.Search(ctx, a.Query, a.Limit)
	if err != nil {
		return searchResult{}, internal(CodeCatalogLoad, err)
	}
	return searchResult{Items: hits, Count: len(hits)}, nil
}

type listScopedArgs struct {
	Workspace string               `json:"workspace"`
	Audience  instruction.Audience `json:"audience"`
}

func (d *Dispatcher) listScoped(ctx context.Context, a listScopedArgs) (catalog.ScopedResult, error) {
	scope := catalog.Scope{Workspace: a.Workspace, Audience: a.Audience}
	if scope.Workspace == "" {
		scope.Workspace = d.workspace
	}
	res, err := d.catalog.ListScoped(ctx, scope)
	if err != nil {
		return catalog.ScopedResult{}, internal(CodeCatalogLoad, err)
	}
	if res.Entries == nil {
		res.Entries = []*instruction.Entry{}
	}
	return res, nil
}

type gateRequestArgs struct {
	Rationale string `json:"rationale"`
}

func (d *Dispatcher) gateRequest(_ context.Context, a gateRequestArgs) (gate.Issued, error) {
	return d.gate.Request(a.Rationale)
}

type gateConfirmArgs struct {
	Token string `json:"token"`
}

func (d *Dispatcher) gateConfirm(_ context.Context, a gateConfirmArgs) (gate.Status, error) {
	return d.gate.Confirm(a.Token)
}

func (d *Dispatcher) gateStatus(_ context.Context, _ noArgs) (gate.Status, error) {
	return d.gate.Status(), nil
}

type hashResult struct {
	Hash  string `json:"hash"`
	Count int    `json:"count"`
}

func (d *Dispatcher) governanceHash(ctx context.Context, _ noArgs) (hashResult, error) {
	entries, err := d.catalog.List(ctx)
	if err != nil {
		return hashResult{}, internal(CodeCatalogLoad, err)
	}
	hash, err := d.catalog.Hash(ctx)
	if err != nil {
		return hashResult{}, internal(CodeCatalogLoad, err)
	}
	return hashResult{Hash: hash, Count: len(entries)}, nil
}

type reloadResult struct {
	Debug catalog.Debug `json:"debug"`
	Hash  string        `json:"hash"`
}

func (d *Dispatcher) reload(ctx context.Context, _ noArgs) (reloadResult, error) {
	dbg, err := d.catalog.Reload(ctx)
	if err != nil {
		return reloadResult{}, internal(CodeCatalogLoad, err)
	}
	hash, err := d.catalog.Hash(ctx)
	if err != nil {
		return reloadResult{}, internal(CodeCatalogLoad, err)
	}
	return reloadResult{Debug: dbg, Hash: hash}, nil
}

type historyArgs struct {
	Limit int `json:"limit"`
}

type historyResult struct {
	Enabled bool             `json:"enabled"`
	Records []history.Record `json:"records"`
}

func (d *Dispatcher) recent(ctx context.Context, a historyArgs) (historyResult, error) {
	if d.history == nil {
		return historyResult{Records: []history.Record{}}, nil
	}
	recs, err := d.history.Recent(ctx, a.Limit)
	if err != nil {
		return historyResult{}, internal(CodeInternal, err)
	}
	return historyResult{Enabled: true, Records: recs}, nil
}
