// Package dispatch is the single entry point for catalog actions. Each
// action name maps to a typed handler; every call returns a Result envelope
// whose failures are classified structurally.
package dispatch

import "sort"

// Action names a dispatchable operation.
type Action string

const (
	ActionList             Action = "list"
	ActionGet              Action = "get"
	ActionAdd              Action = "add"
	ActionRemove           Action = "remove"
	ActionImport           Action = "import"
	ActionExport           Action = "export"
	ActionDiff             Action = "diff"
	ActionGovernanceUpdate Action = "governanceUpdate"
	ActionCapabilities     Action = "capabilities"
	ActionSearch           Action = "search"
	ActionListScoped       Action = "listScoped"
	ActionGateRequest      Action = "gateRequest"
	ActionGateConfirm      Action = "gateConfirm"
	ActionGateStatus       Action = "gateStatus"
	ActionGovernanceHash   Action = "governanceHash"
	ActionReload           Action = "reload"
	ActionHistory          Action = "history"
)

// AllActions lists every action constant. A test checks each one is routed.
var AllActions = []Action{
	ActionList, ActionGet, ActionAdd, ActionRemove, ActionImport, ActionExport,
	ActionDiff, ActionGovernanceUpdate, ActionCapabilities, ActionSearch,
	ActionListScoped, ActionGateRequest, ActionGateConfirm, ActionGateStatus,
	ActionGovernanceHash, ActionReload, ActionHistory,
}

// Mutating reports whether a must pass the mutation gate.
func (a Action) Mutating() bool {
	switch a {
	case ActionAdd, ActionRemove, ActionImport, ActionGovernanceUpdate:
		return true
	}
	return false
}

func sortedActions(actions []Action) []string {
	out := make([]string, 0, len(actions))
	for _, a := range actions {
		out = append(out, string(a))
	}
	sort.Strings(out)
	return out
}
