package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm/instructions/pkg/catalog"
	"github.com/Mindburn-Labs/helm/instructions/pkg/gate"
	"github.com/Mindburn-Labs/helm/instructions/pkg/governance"
	"github.com/Mindburn-Labs/helm/instructions/pkg/history"
	"github.com/Mindburn-Labs/helm/instructions/pkg/observability"
)

// Version is reported by the capabilities action.
const Version = "1.0.0"

// Config wires a Dispatcher. Catalog, Engine and Gate are required.
type Config struct {
	Catalog   *catalog.Service
	Engine    *governance.Engine
	Gate      *gate.Gate
	History   *history.Store
	Telemetry *observability.Provider
	// Agent and Workspace are stamped onto created entries.
	Agent     string
	Workspace string
	Logger    *slog.Logger
}

type handler func(ctx context.Context, raw json.RawMessage) (any, error)

// route adapts a typed handler to the table. Arguments are schema-checked
// and decoded into A before fn runs.
func route[A any, R any](action Action, fn func(context.Context, A) (R, error)) handler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		args, err := decodeArgs[A](action, raw)
		if err != nil {
			return nil, err
		}
		return fn(ctx, args)
	}
}

// Dispatcher routes actions. Mutations within one process are serialized.
type Dispatcher struct {
	catalog   *catalog.Service
	engine    *governance.Engine
	gate      *gate.Gate
	history   *history.Store
	telemetry *observability.Provider
	agent     string
	workspace string
	clock     func() time.Time
	logger    *slog.Logger

	mutate sync.Mutex
	routes map[Action]handler
}

// New builds a dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Catalog == nil || cfg.Engine == nil || cfg.Gate == nil {
		return nil, errors.New("dispatch: catalog, engine and gate are required")
	}
	if _, err := compiledSchemas(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "dispatch")
	}
	telemetry := cfg.Telemetry
	if telemetry == nil {
		var err error
		telemetry, err = observability.New(context.Background(), &observability.Config{Enabled: false})
		if err != nil {
			return nil, err
		}
	}
	d := &Dispatcher{
		catalog:   cfg.Catalog,
		engine:    cfg.Engine,
		gate:      cfg.Gate,
		history:   cfg.History,
		telemetry: telemetry,
		agent:     cfg.Agent,
		workspace: cfg.Workspace,
		clock:     time.Now,
		logger:    logger,
	}
	d.routes = map[Action]handler{
		ActionList:             route(ActionList, d.list),
		ActionGet:              route(ActionGet, d.get),
		ActionAdd:              route(ActionAdd, d.add),
		ActionRemove:           route(ActionRemove, d.remove),
		ActionImport:           route(ActionImport, d.importEntries),
		ActionExport:           route(ActionExport, d.export),
		ActionDiff:             route(ActionDiff, d.diff),
		ActionGovernanceUpdate: route(ActionGovernanceUpdate, d.governanceUpdate),
		ActionCapabilities:     route(ActionCapabilities, d.capabilities),
		ActionSearch:           route(ActionSearch, d.search),
		ActionListScoped:       route(ActionListScoped, d.listScoped),
		ActionGateRequest:      route(ActionGateRequest, d.gateRequest),
		ActionGateConfirm:      route(ActionGateConfirm, d.gateConfirm),
		ActionGateStatus:       route(ActionGateStatus, d.gateStatus),
		ActionGovernanceHash:   route(ActionGovernanceHash, d.governanceHash),
		ActionReload:           route(ActionReload, d.reload),
		ActionHistory:          route(ActionHistory, d.recent),
	}
	return d, nil
}

// WithClock overrides clock for testing.
func (d *Dispatcher) WithClock(clock func() time.Time) *Dispatcher {
	d.clock = clock
	return d
}

// Actions returns the routed action names, sorted.
func (d *Dispatcher) Actions() []string {
	actions := make([]Action, 0, len(d.routes))
	for a := range d.routes {
		actions = append(actions, a)
	}
	return sortedActions(actions)
}

// Dispatch runs one action. It never returns a Go error: every failure is
// carried in the envelope.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, args json.RawMessage) Result {
	action := Action(name)
	ctx, done := d.telemetry.TrackDispatch(ctx, name)

	res := d.run(ctx, action, args)
	if res.Failure != nil {
		done(res.Failure.Class, res.Failure.Code)
	} else {
		done("", "")
	}
	return res
}

func (d *Dispatcher) run(ctx context.Context, action Action, args json.RawMessage) Result {
	h, ok := d.routes[action]
	if !ok {
		return d.fail(ctx, action, callerError(CodeUnknownAction,
			"use one of: "+strings.Join(d.Actions(), ", "), "unknown action %q", action))
	}

	if !action.Mutating() {
		data, err := h(ctx, args)
		if err != nil {
			return d.fail(ctx, action, err)
		}
		return Result{Action: action, Data: data}
	}

	if err := d.gate.Check(); err != nil {
		res := d.fail(ctx, action, err)
		d.record(ctx, action, args, res)
		return res
	}

	d.mutate.Lock()
	data, err := h(ctx, args)
	d.mutate.Unlock()

	res := Result{Action: action, Data: data}
	if err != nil {
		res = d.fail(ctx, action, err)
	}
	d.record(ctx, action, args, res)
	return res
}

func (d *Dispatcher) fail(ctx context.Context, action Action, err error) Result {
	f := classify(err)
	if f.Class == ClassInternal {
		d.logger.ErrorContext(ctx, "dispatch: internal failure", "action", action, "error", err)
	} else {
		d.logger.InfoContext(ctx, "dispatch: rejected", "action", action, "class", f.Class, "reason", f.Code)
	}
	return Result{Action: action, Failure: f}
}

// subject pulls the entry id out of mutation args for the history record.
type subject struct {
	ID    string `json:"id"`
	Entry struct {
		ID string `json:"id"`
	} `json:"entry"`
	IDs []string `json:"ids"`
}

func (d *Dispatcher) record(ctx context.Context, action Action, args json.RawMessage, res Result) {
	if d.history == nil {
		return
	}
	var s subject
	_ = json.Unmarshal(args, &s)
	entryID := s.ID
	if entryID == "" {
		entryID = s.Entry.ID
	}
	if entryID == "" && len(s.IDs) > 0 {
		entryID = strings.Join(s.IDs, ",")
	}

	rec := history.Record{
		Action:  string(action),
		EntryID: entryID,
		Outcome: history.OutcomeOK,
	}
	if res.Failure != nil {
		rec.Outcome = history.OutcomeFailed
		rec.ErrorCode = res.Failure.Code
	}
	if _, err := d.history.Append(ctx, rec); err != nil {
		d.logger.WarnContext(ctx, "dispatch: history append failed", "action", action, "error", err)
	}
}
