package presence

import "time"

// Status is a user's availability.
type Status string

const (
	StatusOnline    Status = "online"
	StatusAway      Status = "away"
	StatusBusy      Status = "busy"
	StatusOffline   Status = "offline"
	StatusInvisible Status = "invisible"
)

// Valid reports whether the status is one of the known values.
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline, StatusInvisible:
		return true
	}
	return false
}

// OverrideKind is the administrative action applied to a user's presence.
type OverrideKind string

const (
	OverrideForceInvisible OverrideKind = "force-invisible"
	OverrideForceStatus    OverrideKind = "force-status"
	OverrideDisableDisplay OverrideKind = "disable-display"
)

// Override is an administrative presence override. It stays in effect until
// explicitly cleared.
type Override struct {
	Kind   OverrideKind `json:"kind"`
	Status Status       `json:"status,omitempty"`
}

// Effective returns the status the override imposes.
func (o Override) Effective() Status {
	switch o.Kind {
	case OverrideForceInvisible:
		return StatusInvisible
	case OverrideDisableDisplay:
		return StatusOffline
	}
	if o.Status.Valid() {
		return o.Status
	}
	return StatusOffline
}

// Record is the merged presence view of one user.
type Record struct {
	UserID   string    `json:"userId"`
	Raw      Status    `json:"raw"`
	Override *Override `json:"override,omitempty"`
	LastSeen time.Time `json:"lastSeen"`
}

// Status returns override ?? raw.
func (r Record) Status() Status {
	if r.Override != nil {
		return r.Override.Effective()
	}
	if r.Raw == "" {
		return StatusOffline
	}
	return r.Raw
}

// Hidden reports whether the UI should suppress the presence indicator.
func (r Record) Hidden() bool {
	return r.Override != nil && r.Override.Kind == OverrideDisableDisplay
}
