package model

import (
	"fmt"
	"strconv"
)

// PowerState is the canonical power state reported by drivers and racks
type PowerState string

const (
	PowerStateOn      PowerState = "on"
	PowerStateOff     PowerState = "off"
	PowerStateError   PowerState = "error"
	PowerStateUnknown PowerState = "unknown"
)

// ParsePowerState maps a wire value onto the canonical enum. Anything
// unrecognised is unknown.
func ParsePowerState(s string) PowerState {
	switch PowerState(s) {
	case PowerStateOn, PowerStateOff, PowerStateError:
		return PowerState(s)
	default:
		return PowerStateUnknown
	}
}

// PowerChange is a requested state transition
type PowerChange string

const (
	PowerChangeOn    PowerChange = "on"
	PowerChangeOff   PowerChange = "off"
	PowerChangeCycle PowerChange = "cycle"
)

// ExpectedState returns the state a node should reach after the change
func (c PowerChange) ExpectedState() PowerState {
	if c == PowerChangeOff {
		return PowerStateOff
	}
	return PowerStateOn
}

// PowerParameters is the driver specific parameter bag. It may hold credentials
// and must never be logged as a whole.
type PowerParameters map[string]any

// String returns the parameter as a string, or "" when absent
func (p PowerParameters) String(key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

// StringDefault returns the parameter or def when it is empty
func (p PowerParameters) StringDefault(key, def string) string {
	if s := p.String(key); s != "" {
		return s
	}
	return def
}

// Bool interprets common truthy encodings
func (p PowerParameters) Bool(key string) bool {
	switch t := p[key].(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(t)
		return b || t == "y" || t == "yes"
	case float64:
		return t != 0
	default:
		return false
	}
}

// PowerInfo describes how to control the power of one node. It is supplied
// fresh on each call.
type PowerInfo struct {
	PowerType       string          `json:"power_type"`
	PowerParameters PowerParameters `json:"power_parameters"`
}

// PowerQueryResult is the outcome of a query against one rack
type PowerQueryResult struct {
	SystemID string
	RackID   string
	State    PowerState
	Success  bool
	Err      error
}

// AggregatePowerOutcome is the reduction of several per-rack query results.
// Every queried rack appears in exactly one of RespondedRackIDs and
// FailedRackIDs.
type AggregatePowerOutcome struct {
	State            PowerState
	RespondedRackIDs []string
	FailedRackIDs    []string
}
