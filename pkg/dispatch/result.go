package dispatch

import "encoding/json"

// Result is the envelope returned for every dispatch call. Exactly one of
// Data and Failure is set.
type Result struct {
	Action  Action
	Data    any
	Failure *Failure
}

// OK reports whether the call succeeded.
func (r Result) OK() bool { return r.Failure == nil }

// MarshalJSON renders the success payload as-is, or the failure fields.
func (r Result) MarshalJSON() ([]byte, error) {
	if r.Failure != nil {
		return json.Marshal(r.Failure)
	}
	if r.Data == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(r.Data)
}
