package trip

import (
	"bytes"
	"encoding/json"
	"time"
)

type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusRunning, StatusPaused, StatusCompleted:
		return true
	}
	return false
}

type Position struct {
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lng float64 `json:"lng" validate:"gte=-180,lte=180"`
}

// Trip is the retained status of one scheduled journey. It is also the
// broadcast payload: subscribers always receive the full merged object.
type Trip struct {
	TripID             string          `json:"tripId"`
	Running            bool            `json:"running"`
	Status             Status          `json:"status"`
	CurrentStopIndex   int             `json:"currentStopIndex"`
	CurrentPosition    *Position       `json:"currentPosition,omitempty"`
	ETANextStopMinutes *float64        `json:"etaNextStopMinutes"`
	IncidentAlert      json.RawMessage `json:"incidentAlert,omitempty"`
	ArrivalAlert       json.RawMessage `json:"arrivalAlert,omitempty"`
	LastUpdateTime     time.Time       `json:"lastUpdateTime"`
}

// New returns the default retained status for a trip nobody has published yet.
func New(tripID string) Trip {
	return Trip{TripID: tripID, Status: StatusIdle}
}

// Clone returns a deep copy so callers can hand the value to other goroutines.
func (t Trip) Clone() Trip {
	out := t
	if t.CurrentPosition != nil {
		p := *t.CurrentPosition
		out.CurrentPosition = &p
	}
	if t.ETANextStopMinutes != nil {
		v := *t.ETANextStopMinutes
		out.ETANextStopMinutes = &v
	}
	out.IncidentAlert = cloneRaw(t.IncidentAlert)
	out.ArrivalAlert = cloneRaw(t.ArrivalAlert)
	return out
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}

// NullableFloat distinguishes an absent field from an explicit JSON null.
type NullableFloat struct {
	Set   bool
	Value *float64
}

func (n *NullableFloat) UnmarshalJSON(b []byte) error {
	n.Set = true
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		n.Value = nil
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	n.Value = &v
	return nil
}

func (n NullableFloat) MarshalJSON() ([]byte, error) {
	if n.Value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(*n.Value)
}

// Float returns a NullableFloat carrying v.
func Float(v float64) NullableFloat { return NullableFloat{Set: true, Value: &v} }

// Null returns a NullableFloat that clears the field.
func Null() NullableFloat { return NullableFloat{Set: true} }

// Patch is a typed field-level delta. Nil fields are left untouched. For the
// alerts, an explicit JSON null clears the retained value.
type Patch struct {
	Running            *bool           `json:"running,omitempty"`
	Status             *Status         `json:"status,omitempty" validate:"omitempty,oneof=idle running paused completed"`
	CurrentStopIndex   *int            `json:"currentStopIndex,omitempty" validate:"omitempty,gte=0"`
	CurrentPosition    *Position       `json:"currentPosition,omitempty" validate:"omitempty"`
	ETANextStopMinutes NullableFloat   `json:"etaNextStopMinutes,omitzero"`
	IncidentAlert      json.RawMessage `json:"incidentAlert,omitempty"`
	ArrivalAlert       json.RawMessage `json:"arrivalAlert,omitempty"`
}

// Empty reports whether the patch carries no field at all.
func (p Patch) Empty() bool {
	return p.Running == nil && p.Status == nil && p.CurrentStopIndex == nil &&
		p.CurrentPosition == nil && !p.ETANextStopMinutes.Set &&
		p.IncidentAlert == nil && p.ArrivalAlert == nil
}

func isNull(r json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(r), []byte("null"))
}

// Apply merges p into t, last writer wins per field, and stamps
// LastUpdateTime. It returns the names of the fields that were written.
//
// A lower CurrentStopIndex is dropped while the trip keeps running; the index
// may only go back when a new run starts from a non-running status.
func Apply(t *Trip, p Patch, now time.Time) []string {
	var changed []string
	newRun := p.Status != nil && *p.Status == StatusRunning &&
		t.Status != StatusRunning && t.Status != StatusPaused

	if p.Running != nil {
		t.Running = *p.Running
		changed = append(changed, "running")
	}
	if p.Status != nil {
		t.Status = *p.Status
		changed = append(changed, "status")
	}
	if p.CurrentStopIndex != nil {
		idx := *p.CurrentStopIndex
		if idx >= t.CurrentStopIndex || newRun || t.Status == StatusIdle {
			t.CurrentStopIndex = idx
			changed = append(changed, "currentStopIndex")
		}
	}
	if p.CurrentPosition != nil {
		pos := *p.CurrentPosition
		t.CurrentPosition = &pos
		changed = append(changed, "currentPosition")
	}
	if p.ETANextStopMinutes.Set {
		if p.ETANextStopMinutes.Value == nil {
			t.ETANextStopMinutes = nil
		} else {
			v := *p.ETANextStopMinutes.Value
			t.ETANextStopMinutes = &v
		}
		changed = append(changed, "etaNextStopMinutes")
	}
	if p.IncidentAlert != nil {
		if isNull(p.IncidentAlert) {
			t.IncidentAlert = nil
		} else {
			t.IncidentAlert = cloneRaw(p.IncidentAlert)
		}
		changed = append(changed, "incidentAlert")
	}
	if p.ArrivalAlert != nil {
		if isNull(p.ArrivalAlert) {
			t.ArrivalAlert = nil
		} else {
			t.ArrivalAlert = cloneRaw(p.ArrivalAlert)
		}
		changed = append(changed, "arrivalAlert")
	}
	t.LastUpdateTime = now
	return changed
}
