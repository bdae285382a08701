package presence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/zhouzirui/z-tavern/chatsync/internal/metrics"
	"github.com/zhouzirui/z-tavern/chatsync/internal/model/event"
	"github.com/zhouzirui/z-tavern/chatsync/internal/model/presence"
)

type fakeSource struct {
	records []presence.Record
	err     error
	pushed  []presence.Status
}

func (f *fakeSource) FetchPresence(context.Context) ([]presence.Record, error) {
	return f.records, f.err
}

func (f *fakeSource) PushPresence(_ context.Context, s presence.Status) error {
	f.pushed = append(f.pushed, s)
	return f.err
}

func update(userID, status string) event.Envelope {
	return event.MustNew(event.PresenceUpdate, event.PresencePayload{UserID: userID, Status: status})
}

func override(userID string, kind presence.OverrideKind, status string, cleared bool) event.Envelope {
	return event.MustNew(event.PresenceOverride, event.OverridePayload{
		UserID:  userID,
		Kind:    string(kind),
		Status:  status,
		Cleared: cleared,
	})
}

func TestUnknownUserIsOffline(t *testing.T) {
	a := NewAggregator(nil, "", nil, nil)
	if got := a.Status("ghost").Status(); got != presence.StatusOffline {
		t.Fatalf("status = %s, want offline", got)
	}
}

func TestOverrideWinsOverRawUntilCleared(t *testing.T) {
	a := NewAggregator(nil, "", nil, nil)

	a.handleUpdate(update("u1", "online"))
	a.handleOverride(override("u1", presence.OverrideForceInvisible, "", false))

	// later raw updates do not break through the override
	a.handleUpdate(update("u1", "busy"))
	if got := a.Status("u1").Status(); got != presence.StatusInvisible {
		t.Fatalf("status = %s, want invisible", got)
	}

	a.handleOverride(override("u1", "", "", true))
	if got := a.Status("u1").Status(); got != presence.StatusBusy {
		t.Fatalf("status after clear = %s, want busy", got)
	}
}

func TestForceStatusAndDisableDisplay(t *testing.T) {
	a := NewAggregator(nil, "", nil, nil)
	a.handleUpdate(update("u1", "online"))
	a.handleUpdate(update("u2", "online"))

	a.handleOverride(override("u1", presence.OverrideForceStatus, "away", false))
	a.handleOverride(override("u2", presence.OverrideDisableDisplay, "", false))

	if got := a.Status("u1").Status(); got != presence.StatusAway {
		t.Fatalf("u1 = %s, want away", got)
	}
	r := a.Status("u2")
	if r.Status() != presence.StatusOffline || !r.Hidden() {
		t.Fatalf("u2 = %+v", r)
	}
}

func TestUserDisconnectedKeepsRecord(t *testing.T) {
	a := NewAggregator(nil, "", nil, nil)
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return fixed }

	a.handleUpdate(update("u1", "online"))
	a.handleOverride(override("u1", presence.OverrideForceStatus, "busy", false))
	a.handleDisconnected(event.MustNew(event.UserDisconnected, event.PresencePayload{UserID: "u1"}))

	r := a.Status("u1")
	if r.Raw != presence.StatusOffline {
		t.Fatalf("raw = %s, want offline", r.Raw)
	}
	if r.Override == nil || r.Status() != presence.StatusBusy {
		t.Fatalf("override lost: %+v", r)
	}
	if !r.LastSeen.Equal(fixed) {
		t.Fatalf("last seen = %v", r.LastSeen)
	}
}

func TestInvalidStatusIgnored(t *testing.T) {
	a := NewAggregator(nil, "", nil, nil)
	a.handleUpdate(update("u1", "away"))
	a.handleUpdate(update("u1", "sleeping"))
	if got := a.Status("u1").Raw; got != presence.StatusAway {
		t.Fatalf("raw = %s, want away", got)
	}
}

func TestResyncKeepsPreviousValuesOnFailure(t *testing.T) {
	src := &fakeSource{err: errors.New("503")}
	m := metrics.New()
	a := NewAggregator(src, "", nil, m)
	a.handleUpdate(update("u1", "online"))

	if err := a.Resync(context.Background()); err == nil {
		t.Fatal("expected resync error")
	}
	if got := a.Status("u1").Status(); got != presence.StatusOnline {
		t.Fatalf("status = %s, want online", got)
	}
	if got := testutil.ToFloat64(m.ResyncFailures.WithLabelValues("presence")); got != 1 {
		t.Fatalf("resync failures = %v", got)
	}
}

func TestResyncPreservesStickyOverride(t *testing.T) {
	src := &fakeSource{records: []presence.Record{
		{UserID: "u1", Raw: presence.StatusAway},
		{UserID: "u2", Raw: presence.StatusOnline},
	}}
	a := NewAggregator(src, "", nil, nil)
	a.handleOverride(override("u1", presence.OverrideForceInvisible, "", false))

	if err := a.Resync(context.Background()); err != nil {
		t.Fatalf("resync: %v", err)
	}
	if got := a.Status("u1").Status(); got != presence.StatusInvisible {
		t.Fatalf("u1 = %s, want invisible", got)
	}
	if got := a.Status("u1").Raw; got != presence.StatusAway {
		t.Fatalf("u1 raw = %s, want away", got)
	}
	if got := a.Status("u2").Status(); got != presence.StatusOnline {
		t.Fatalf("u2 = %s", got)
	}
}

func TestSetOwnStatus(t *testing.T) {
	src := &fakeSource{}
	a := NewAggregator(src, "me", nil, nil)

	if err := a.SetOwnStatus(context.Background(), presence.StatusBusy); err != nil {
		t.Fatalf("set own status: %v", err)
	}
	if len(src.pushed) != 1 || src.pushed[0] != presence.StatusBusy {
		t.Fatalf("pushed = %v", src.pushed)
	}
	if got := a.Status("me").Status(); got != presence.StatusBusy {
		t.Fatalf("own status = %s", got)
	}
	if err := a.SetOwnStatus(context.Background(), "napping"); err == nil {
		t.Fatal("expected error for invalid status")
	}
}
