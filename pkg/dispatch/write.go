package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/helm/instructions/pkg/governance"
	"github.com/Mindburn-Labs/helm/instructions/pkg/instruction"
	"github.com/Mindburn-Labs/helm/instructions/pkg/store"
	"github.com/Mindburn-Labs/helm/instructions/pkg/versioning"
)

// Outcomes reported per written entry.
const (
	OutcomeCreated     = "created"
	OutcomeOverwritten = "overwritten"
	OutcomeSkipped     = "skipped"
	OutcomeFailed      = "failed"
)

func invalidID(id string) *CallerError {
	return callerError(CodeInvalidID, "ids use letters, digits, '.', '_' and '-' and start with a letter or digit",
		"invalid id %q", id)
}

// reservedID rejects ids that are well formed but name a file the loader
// skips, such as "manifest" or "notes.template".
func reservedID(id string) *CallerError {
	return callerError(CodeInvalidID, "the record file name for this id is reserved for non-record files; choose another id",
		"invalid id %q", id)
}

func (d *Dispatcher) opts(lax bool) governance.Options {
	return governance.Options{Lax: lax, Agent: d.agent, Workspace: d.workspace}
}

// persist writes e, updates the index and confirms the entry reads back.
// Only then is the write reported as successful.
func (d *Dispatcher) persist(ctx context.Context, e *instruction.Entry) error {
	touch, err := d.catalog.Store().Write(ctx, e)
	switch {
	case errors.Is(err, store.ErrInvalidID):
		return err
	case errors.Is(err, store.ErrVerifyMismatch):
		return internal(CodeStoreVerify, err)
	case err != nil:
		return internal(CodeStoreWrite, err)
	}
	if err := d.catalog.Upsert(ctx, e, touch); err != nil {
		return internal(CodeInternal, err)
	}

	got, found, err := d.catalog.Get(ctx, e.ID, true)
	if err != nil {
		return internal(CodeAtomicVisibility, err)
	}
	if !found || got.Body != e.Body || got.Title != e.Title || got.Version != e.Version {
		return internal(CodeAtomicVisibility, fmt.Errorf("entry %s not readable after write", e.ID))
	}
	return nil
}

// upsert creates or, when allowed, overwrites the entry described by draft.
func (d *Dispatcher) upsert(ctx context.Context, draft instruction.Draft, lax, overwrite bool) (*instruction.Entry, string, error) {
	if err := governance.CheckVersion(draft); err != nil {
		return nil, "", err
	}
	if draft.ID == "" && lax {
		draft.ID = governance.DeriveID(draft)
	}

	if instruction.ValidID(draft.ID) && !store.ValidID(draft.ID) {
		return nil, "", reservedID(draft.ID)
	}

	var cur *instruction.Entry
	if draft.ID != "" && store.ValidID(draft.ID) {
		e, found, err := d.catalog.Get(ctx, draft.ID, true)
		if err != nil {
			return nil, "", internal(CodeCatalogLoad, err)
		}
		if found {
			cur = e
		}
	}

	if cur == nil && !overwrite && draft.ID != "" && d.catalog.Store().Exists(draft.ID) {
		return nil, "", callerError(CodeAlreadyExists,
			`the record file on disk failed validation (see the reload trace); set "overwrite": true to replace it`,
			"entry %q already exists but could not be loaded", draft.ID)
	}

	if cur == nil {
		e, err := d.engine.PrepareCreate(draft, d.opts(lax))
		if err != nil {
			return nil, "", err
		}
		if err := d.persist(ctx, e); err != nil {
			return nil, "", err
		}
		d.logger.InfoContext(ctx, "dispatch: entry created", "id", e.ID, "version", e.Version)
		return e, OutcomeCreated, nil
	}

	if !overwrite {
		return nil, "", callerError(CodeAlreadyExists,
			`set "overwrite": true to replace it (the body change needs a higher version or none at all)`,
			"entry %q already exists at version %s", cur.ID, cur.Version)
	}
	e, err := d.engine.PrepareOverwrite(cur, draft, d.opts(lax))
	if err != nil {
		return nil, "", err
	}
	if err := d.persist(ctx, e); err != nil {
		return nil, "", err
	}
	d.logger.InfoContext(ctx, "dispatch: entry overwritten", "id", e.ID, "from", cur.Version, "to", e.Version)
	return e, OutcomeOverwritten, nil
}

type addArgs struct {
	Entry     instruction.Draft `json:"entry"`
	Overwrite bool              `json:"overwrite"`
	Lax       bool              `json:"lax"`
}

type addResult struct {
	Created     bool               `json:"created,omitempty"`
	Overwritten bool               `json:"overwritten,omitempty"`
	ID          string             `json:"id"`
	Version     string             `json:"version"`
	Item        *instruction.Entry `json:"item"`
}

func (d *Dispatcher) add(ctx context.Context, a addArgs) (addResult, error) {
	e, outcome, err := d.upsert(ctx, a.Entry, a.Lax, a.Overwrite)
	if err != nil {
		return addResult{}, err
	}
	return addResult{
		Created:     outcome == OutcomeCreated,
		Overwritten: outcome == OutcomeOverwritten,
		ID:          e.ID,
		Version:     e.Version,
		Item:        e,
	}, nil
}

type removeArgs struct {
	ID  string   `json:"id"`
	IDs []string `json:"ids"`
}

type removeOutcome struct {
	ID       string `json:"id"`
	Removed  bool   `json:"removed"`
	NotFound bool   `json:"notFound"`
}

type removeResult struct {
	Results  []removeOutcome `json:"results"`
	Removed  []string        `json:"removed"`
	NotFound []string        `json:"notFound"`
}

func (d *Dispatcher) remove(ctx context.Context, a removeArgs) (removeResult, error) {
	ids := a.IDs
	if a.ID != "" {
		ids = []string{a.ID}
	}
	for _, id := range ids {
		if !store.ValidID(id) {
			return removeResult{}, invalidID(id)
		}
	}

	res := removeResult{Results: []removeOutcome{}, Removed: []string{}, NotFound: []string{}}
	for _, id := range ids {
		touch, err := d.catalog.Store().Remove(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			res.Results = append(res.Results, removeOutcome{ID: id, NotFound: true})
			res.NotFound = append(res.NotFound, id)
			continue
		}
		if err != nil {
			return res, internal(CodeStoreRemove, err)
		}
		if err := d.catalog.Delete(ctx, id, touch); err != nil {
			return res, internal(CodeInternal, err)
		}
		if _, found, err := d.catalog.Get(ctx, id, false); err != nil || found {
			return res, internal(CodeAtomicVisibility, fmt.Errorf("entry %s still visible after remove", id))
		}
		d.logger.InfoContext(ctx, "dispatch: entry removed", "id", id)
		res.Results = append(res.Results, removeOutcome{ID: id, Removed: true})
		res.Removed = append(res.Removed, id)
	}
	return res, nil
}

// Import modes.
const (
	ImportSkip      = "skip"
	ImportOverwrite = "overwrite"
)

type importArgs struct {
	Entries []instruction.Draft `json:"entries"`
	Mode    string              `json:"mode"`
	Lax     bool                `json:"lax"`
}

type importOutcome struct {
	ID      string `json:"id"`
	Outcome string `json:"outcome"`
	Version string `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
	Class   string `json:"class,omitempty"`
	Hint    string `json:"feedbackHint,omitempty"`
}

type importResult struct {
	Mode        string          `json:"mode"`
	Results     []importOutcome `json:"results"`
	Created     int             `json:"created"`
	Overwritten int             `json:"overwritten"`
	Skipped     int             `json:"skipped"`
	Failed      int             `json:"failed"`
}

// importEntries applies each draft independently. A failed entry does not
// undo or block the others.
func (d *Dispatcher) importEntries(ctx context.Context, a importArgs) (importResult, error) {
	mode := a.Mode
	if mode == "" {
		mode = ImportSkip
	}
	res := importResult{Mode: mode, Results: make([]importOutcome, 0, len(a.Entries))}

	for _, draft := range a.Entries {
		id := draft.ID
		if id == "" && a.Lax {
			id = governance.DeriveID(draft)
			draft.ID = id
		}

		if mode == ImportSkip && id != "" && store.ValidID(id) {
			_, found, err := d.catalog.Get(ctx, id, true)
			if err != nil {
				return res, internal(CodeCatalogLoad, err)
			}
			if found {
				res.Results = append(res.Results, importOutcome{ID: id, Outcome: OutcomeSkipped})
				res.Skipped++
				continue
			}
		}

		e, outcome, err := d.upsert(ctx, draft, a.Lax, mode == ImportOverwrite)
		if err != nil {
			f := classify(err)
			if f.Class == ClassInternal {
				d.logger.ErrorContext(ctx, "dispatch: import entry failed", "id", id, "error", err)
			}
			res.Results = append(res.Results, importOutcome{
				ID: id, Outcome: OutcomeFailed, Error: f.Code, Class: f.Class, Hint: f.Hint,
			})
			res.Failed++
			continue
		}
		res.Results = append(res.Results, importOutcome{ID: e.ID, Outcome: outcome, Version: e.Version})
		if outcome == OutcomeCreated {
			res.Created++
		} else {
			res.Overwritten++
		}
	}
	return res, nil
}

type governanceUpdateArgs struct {
	ID             string                     `json:"id"`
	Owner          *string                    `json:"owner"`
	Status         instruction.Status         `json:"status"`
	PriorityTier   instruction.Tier           `json:"priorityTier"`
	Classification instruction.Classification `json:"classification"`
	Bump           versioning.Bump            `json:"bump"`
	Reviewed       bool                       `json:"reviewed"`
}

type governanceUpdateResult struct {
	ID       string             `json:"id"`
	NotFound bool               `json:"notFound,omitempty"`
	Updated  bool               `json:"updated"`
	Changed  []string           `json:"changed,omitempty"`
	Version  string             `json:"version,omitempty"`
	Item     *instruction.Entry `json:"item,omitempty"`
}

func (d *Dispatcher) governanceUpdate(ctx context.Context, a governanceUpdateArgs) (governanceUpdateResult, error) {
	if !store.ValidID(a.ID) {
		return governanceUpdateResult{}, invalidID(a.ID)
	}
	cur, found, err := d.catalog.Get(ctx, a.ID, true)
	if err != nil {
		return governanceUpdateResult{}, internal(CodeCatalogLoad, err)
	}
	if !found {
		return governanceUpdateResult{ID: a.ID, NotFound: true}, nil
	}

	e, changed, err := d.engine.PatchGovernance(cur, governance.Patch{
		Owner:          a.Owner,
		Status:         a.Status,
		PriorityTier:   a.PriorityTier,
		Classification: a.Classification,
		Bump:           a.Bump,
		Reviewed:       a.Reviewed,
	})
	if err != nil {
		return governanceUpdateResult{}, err
	}
	if len(changed) == 0 {
		return governanceUpdateResult{ID: cur.ID, Version: cur.Version, Item: cur}, nil
	}
	if err := d.persist(ctx, e); err != nil {
		return governanceUpdateResult{}, err
	}
	d.logger.InfoContext(ctx, "dispatch: governance updated", "id", e.ID, "changed", changed, "version", e.Version)
	return governanceUpdateResult{ID: e.ID, Updated: true, Changed: changed, Version: e.Version, Item: e}, nil
}
