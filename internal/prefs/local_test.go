package prefs

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"botlogs/services/console/internal/query"
)

func TestLocalStoreNotifiesOnlyOtherTabs(t *testing.T) {
	ctx := context.Background()
	device, err := NewDevice("laptop", nil)
	if err != nil {
		t.Fatalf("new device: %v", err)
	}
	tabA := device.Open()
	tabB := device.Open()
	t.Cleanup(func() {
		_ = tabA.Close()
		_ = tabB.Close()
	})

	var seenA, seenB []Change
	tabA.Subscribe(func(c Change) { seenA = append(seenA, c) })
	tabB.Subscribe(func(c Change) { seenB = append(seenB, c) })

	if err := tabA.Set(ctx, KeyPageSize, json.RawMessage("50")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if len(seenA) != 0 {
		t.Fatalf("writer tab must not observe its own change, got %v", seenA)
	}
	if len(seenB) != 1 || seenB[0].Key != KeyPageSize || string(seenB[0].Value) != "50" {
		t.Fatalf("unexpected foreign changes %v", seenB)
	}

	value, ok, err := tabB.Get(ctx, KeyPageSize)
	if err != nil || !ok || string(value) != "50" {
		t.Fatalf("expected shared value, got %s ok=%v err=%v", value, ok, err)
	}

	if err := tabA.Set(ctx, KeyPageSize, json.RawMessage("50")); err != nil {
		t.Fatalf("set same value: %v", err)
	}
	if len(seenB) != 1 {
		t.Fatalf("rewriting the same value must not notify, got %d changes", len(seenB))
	}
}

func TestLocalStoreClosedHandle(t *testing.T) {
	device, _ := NewDevice("d1", nil)
	tab := device.Open()
	_ = tab.Close()

	if err := tab.Set(context.Background(), KeyPageSize, json.RawMessage("20")); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestTOMLFilePersistsAcrossDevices(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first := NewDevices(dir)
	tab, err := first.Open("desk-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := tab.Set(ctx, KeyColumnVisibility, json.RawMessage(`{"duration":false}`)); err != nil {
		t.Fatalf("set: %v", err)
	}

	b, err := os.ReadFile(filepath.Join(dir, "desk-1.toml"))
	if err != nil {
		t.Fatalf("read toml: %v", err)
	}
	if !strings.Contains(string(b), "logs-table-column-visibility") {
		t.Fatalf("expected key in toml file, got %s", b)
	}

	restarted := NewDevices(dir)
	reopened, err := restarted.Open("desk-1")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	value, ok, err := reopened.Get(ctx, KeyColumnVisibility)
	if err != nil || !ok {
		t.Fatalf("expected persisted value, ok=%v err=%v", ok, err)
	}
	if string(value) != `{"duration":false}` {
		t.Fatalf("unexpected persisted value %s", value)
	}
}

func TestDevicesRejectsUnsafeID(t *testing.T) {
	if _, err := NewDevices(t.TempDir()).Open("../etc"); err == nil {
		t.Fatal("expected invalid device id to be rejected")
	}
}

func TestPreferencesFollowForeignPageSize(t *testing.T) {
	ctx := context.Background()
	device, _ := NewDevice("d2", nil)
	tabA := device.Open()
	tabB := device.Open()

	prefsA, err := Load(ctx, tabA, nil)
	if err != nil {
		t.Fatalf("load a: %v", err)
	}
	prefsB, err := Load(ctx, tabB, nil)
	if err != nil {
		t.Fatalf("load b: %v", err)
	}
	t.Cleanup(func() {
		prefsA.Close()
		prefsB.Close()
	})

	if prefsA.PageSize() != query.DefaultPageSize {
		t.Fatalf("expected default page size, got %d", prefsA.PageSize())
	}

	var observed []query.PageSize
	prefsB.OnPageSizeChange(func(size query.PageSize) { observed = append(observed, size) })

	if err := prefsA.SetPageSize(ctx, query.PageSizeLarge); err != nil {
		t.Fatalf("set page size: %v", err)
	}
	if prefsB.PageSize() != query.PageSizeLarge {
		t.Fatalf("expected foreign page size applied, got %d", prefsB.PageSize())
	}
	if len(observed) != 1 || observed[0] != query.PageSizeLarge {
		t.Fatalf("unexpected page size callbacks %v", observed)
	}

	if err := tabA.Set(ctx, KeyPageSize, json.RawMessage("37")); err != nil {
		t.Fatalf("raw set: %v", err)
	}
	if prefsB.PageSize() != query.PageSizeLarge {
		t.Fatalf("invalid foreign page size must be ignored, got %d", prefsB.PageSize())
	}
	if len(observed) != 1 {
		t.Fatalf("invalid value must not notify, got %v", observed)
	}
}

func TestPreferencesIgnoreInvalidStoredValues(t *testing.T) {
	ctx := context.Background()
	device, _ := NewDevice("d3", nil)
	tab := device.Open()
	_ = tab.Set(ctx, KeyPageSize, json.RawMessage(`"large"`))
	_ = tab.Set(ctx, KeyColumnVisibility, json.RawMessage(`[1,2]`))

	p, err := Load(ctx, device.Open(), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.PageSize() != query.DefaultPageSize {
		t.Fatalf("expected default page size, got %d", p.PageSize())
	}
	if len(p.ColumnVisibility()) != 0 {
		t.Fatalf("expected empty column visibility, got %v", p.ColumnVisibility())
	}
}
