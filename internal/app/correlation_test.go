package app

import (
	"errors"
	"testing"
	"time"
)

func TestCorrelationResolveRoundtrip(t *testing.T) {
	table := NewCorrelationTable(time.Minute)
	now := time.Now()
	ch, err := table.Register("id-1", "dapp.example", "connect", now)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if !table.Resolve("id-1", "payload") {
		t.Fatal("resolve must hit the registered id")
	}
	res := <-ch
	if res.Err != nil || res.Data != "payload" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if table.Len() != 0 {
		t.Fatalf("settled entry must be removed, len=%d", table.Len())
	}
}

func TestCorrelationDuplicateIDRejected(t *testing.T) {
	table := NewCorrelationTable(time.Minute)
	now := time.Now()
	if _, err := table.Register("id-1", "a", "x", now); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	if _, err := table.Register("id-1", "b", "y", now); !errors.Is(err, ErrDuplicateCorrelation) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestCorrelationResolveUnknownID(t *testing.T) {
	table := NewCorrelationTable(time.Minute)
	if table.Resolve("ghost", nil) {
		t.Fatal("unknown id must not resolve")
	}
	if table.Fail("ghost", errors.New("x")) {
		t.Fatal("unknown id must not fail")
	}
}

func TestCorrelationDoubleSettleIsNoOp(t *testing.T) {
	table := NewCorrelationTable(time.Minute)
	ch, _ := table.Register("id-1", "a", "x", time.Now())
	if !table.Resolve("id-1", 1) {
		t.Fatal("first settle must succeed")
	}
	if table.Fail("id-1", errors.New("late")) {
		t.Fatal("second settle must be a no-op")
	}
	if res := <-ch; res.Err != nil {
		t.Fatalf("first settle must win: %+v", res)
	}
}

func TestCorrelationSweepExpiresOldEntries(t *testing.T) {
	table := NewCorrelationTable(time.Minute)
	base := time.Unix(1_700_000_000, 0)
	oldCh, _ := table.Register("old", "a", "x", base)
	freshCh, _ := table.Register("fresh", "a", "x", base.Add(2*time.Minute))

	if got := table.Sweep(base.Add(2 * time.Minute)); got != 1 {
		t.Fatalf("expected 1 expired, got %d", got)
	}
	if res := <-oldCh; !errors.Is(res.Err, ErrCorrelationExpired) {
		t.Fatalf("expected expiry error, got %+v", res)
	}
	select {
	case res := <-freshCh:
		t.Fatalf("fresh entry must survive sweep, got %+v", res)
	default:
	}
	if table.Len() != 1 {
		t.Fatalf("expected 1 live entry, got %d", table.Len())
	}
}

func TestCorrelationFailAll(t *testing.T) {
	table := NewCorrelationTable(time.Minute)
	restart := errors.New("mediator restarted")
	chans := make([]<-chan CorrelationResult, 0, 3)
	for _, id := range []string{"a", "b", "c"} {
		ch, _ := table.Register(id, "host", "x", time.Now())
		chans = append(chans, ch)
	}
	if got := table.FailAll(restart); got != 3 {
		t.Fatalf("expected 3 failed, got %d", got)
	}
	for _, ch := range chans {
		if res := <-ch; !errors.Is(res.Err, restart) {
			t.Fatalf("expected restart error, got %+v", res)
		}
	}
	if table.Len() != 0 {
		t.Fatalf("table must be empty, len=%d", table.Len())
	}
}

func TestGeneratedCorrelationIDsAreUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id, err := GenerateCorrelationID()
		if err != nil {
			t.Fatalf("generate failed: %v", err)
		}
		if id == "" {
			t.Fatal("empty id")
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = struct{}{}
	}
}
