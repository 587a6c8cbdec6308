package roster

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTest(t *testing.T) (*Registry, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "students.json")
	reg, err := Open(path, filepath.Join(dir, "uploads"), newLogger(), WithColorPicker(func() string { return "#123456" }))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	return reg, path
}

func readPersisted(t *testing.T, path string) []Participant {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read registry file: %v", err)
	}
	var items []Participant
	if err := json.Unmarshal(data, &items); err != nil {
		t.Fatalf("decode registry file: %v", err)
	}
	return items
}

func TestRegisterPersistsAndCreatesFolder(t *testing.T) {
	reg, path := openTest(t)

	p, err := reg.Register("Alice")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if p.Color != "#123456" || p.DeviceID != "" {
		t.Fatalf("unexpected participant %+v", p)
	}
	if info, err := os.Stat(reg.Folder("Alice")); err != nil || !info.IsDir() {
		t.Fatalf("expected participant folder, got %v", err)
	}
	items := readPersisted(t, path)
	if len(items) != 1 || items[0].Name != "Alice" {
		t.Fatalf("unexpected persisted state %+v", items)
	}
}

func TestRegisterDuplicateNameLeavesRegistryUnchanged(t *testing.T) {
	reg, path := openTest(t)
	if _, err := reg.RegisterWithDevice("Alice", "D1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	before := reg.List()

	_, err := reg.RegisterWithDevice("Alice", "D2")
	if !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}
	if !IsValidation(err) {
		t.Fatal("duplicate name should be a validation error")
	}
	if !reflect.DeepEqual(before, reg.List()) {
		t.Fatalf("registry changed after rejected register")
	}
	if got := readPersisted(t, path); !reflect.DeepEqual(before, got) {
		t.Fatalf("persisted state changed: %+v", got)
	}
	if _, err := reg.FindByDevice("D2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("rejected device must not be bound")
	}
}

func TestDuplicateDeviceRejected(t *testing.T) {
	reg, _ := openTest(t)
	if _, err := reg.RegisterWithDevice("Alice", "D1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := reg.RegisterWithDevice("Bob", "D1"); !errors.Is(err, ErrDuplicateDevice) {
		t.Fatalf("expected ErrDuplicateDevice, got %v", err)
	}
	if _, err := reg.Register("Bob"); err != nil {
		t.Fatalf("register bob: %v", err)
	}
	if err := reg.UpdateDevice("Bob", "D1"); !errors.Is(err, ErrDuplicateDevice) {
		t.Fatalf("expected ErrDuplicateDevice on update, got %v", err)
	}
}

func TestClearingDeviceNeverConflicts(t *testing.T) {
	reg, _ := openTest(t)
	for _, name := range []string{"Alice", "Bob", "Carol"} {
		if _, err := reg.Register(name); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	for _, name := range []string{"Alice", "Bob", "Carol"} {
		if err := reg.UpdateDevice(name, ""); err != nil {
			t.Fatalf("clear device for %s: %v", name, err)
		}
	}
	if _, err := reg.RegisterWithDevice("Dave", ""); err != nil {
		t.Fatalf("register without device: %v", err)
	}
}

func TestUpdateDeviceExcludesSelf(t *testing.T) {
	reg, _ := openTest(t)
	if _, err := reg.RegisterWithDevice("Alice", "D1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.UpdateDevice("Alice", "D1"); err != nil {
		t.Fatalf("rebinding own device should succeed: %v", err)
	}
	if err := reg.UpdateDevice("Alice", "D9"); err != nil {
		t.Fatalf("update device: %v", err)
	}
	p, err := reg.FindByDevice("D9")
	if err != nil || p.Name != "Alice" {
		t.Fatalf("expected Alice on D9, got %+v %v", p, err)
	}
	if _, err := reg.FindByDevice("D1"); !errors.Is(err, ErrNotFound) {
		t.Fatal("old binding should be gone")
	}
	if err := reg.UpdateDevice("Nobody", "D5"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateColor(t *testing.T) {
	reg, path := openTest(t)
	if _, err := reg.Register("Alice"); err != nil {
		t.Fatalf("register: %v", err)
	}

	for _, bad := range []string{"", "123456", "#12345", "#1234567", "#zzzzzz", "red"} {
		if err := reg.UpdateColor("Alice", bad); !errors.Is(err, ErrInvalidColor) {
			t.Fatalf("color %q: expected ErrInvalidColor, got %v", bad, err)
		}
	}
	if err := reg.UpdateColor("Ghost", "#abcdef"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := reg.UpdateColor("Alice", "#ABCdef"); err != nil {
		t.Fatalf("update color: %v", err)
	}
	if got := readPersisted(t, path)[0].Color; got != "#ABCdef" {
		t.Fatalf("expected persisted color, got %s", got)
	}
}

func TestDeleteRemovesFolder(t *testing.T) {
	reg, path := openTest(t)
	if _, err := reg.Register("Alice"); err != nil {
		t.Fatalf("register: %v", err)
	}
	clip := filepath.Join(reg.Folder("Alice"), "clip.wav")
	if err := os.WriteFile(clip, []byte("x"), 0o644); err != nil {
		t.Fatalf("write clip: %v", err)
	}

	if err := reg.Delete("Alice"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(reg.Folder("Alice")); !os.IsNotExist(err) {
		t.Fatalf("expected folder removed, got %v", err)
	}
	if len(readPersisted(t, path)) != 0 {
		t.Fatal("expected empty persisted registry")
	}
	if err := reg.Delete("Alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteKeepsFolderWhenPersistFails(t *testing.T) {
	reg, path := openTest(t)
	if _, err := reg.Register("Alice"); err != nil {
		t.Fatalf("register: %v", err)
	}
	clip := filepath.Join(reg.Folder("Alice"), "clip.wav")
	if err := os.WriteFile(clip, []byte("x"), 0o644); err != nil {
		t.Fatalf("write clip: %v", err)
	}

	// A non-empty directory at the registry path makes the final rename fail.
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove registry file: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(path, "blocker"), 0o755); err != nil {
		t.Fatalf("block registry path: %v", err)
	}

	if err := reg.Delete("Alice"); err == nil {
		t.Fatal("expected persist error")
	}
	if _, err := reg.FindByName("Alice"); err != nil {
		t.Fatalf("participant should still be registered: %v", err)
	}
	if _, err := os.Stat(clip); err != nil {
		t.Fatalf("recordings should survive a failed delete: %v", err)
	}
}

func TestEnsureIsIdempotent(t *testing.T) {
	reg, path := openTest(t)

	p, created, err := reg.Ensure("device-D1")
	if err != nil || !created {
		t.Fatalf("expected creation, got created=%v err=%v", created, err)
	}
	again, created, err := reg.Ensure("device-D1")
	if err != nil || created {
		t.Fatalf("expected existing participant, got created=%v err=%v", created, err)
	}
	if p != again {
		t.Fatalf("ensure returned different participants: %+v vs %+v", p, again)
	}
	if n := len(readPersisted(t, path)); n != 1 {
		t.Fatalf("expected 1 persisted participant, got %d", n)
	}
}

func TestEnsureConcurrent(t *testing.T) {
	reg, _ := openTest(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	createdCount := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created, err := reg.Ensure("shared")
			if err != nil {
				t.Errorf("ensure: %v", err)
				return
			}
			if created {
				mu.Lock()
				createdCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if createdCount != 1 || reg.Len() != 1 {
		t.Fatalf("expected exactly one creation, got %d (len %d)", createdCount, reg.Len())
	}
}

func TestInvalidNames(t *testing.T) {
	reg, _ := openTest(t)
	for _, name := range []string{"", "   ", ".", "..", "a/b", `a\b`} {
		if _, err := reg.Register(name); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("name %q: expected ErrInvalidName, got %v", name, err)
		}
	}
}

func TestListPreservesInsertionOrder(t *testing.T) {
	reg, _ := openTest(t)
	names := []string{"Zoe", "Adam", "Mia"}
	for _, n := range names {
		if _, err := reg.Register(n); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	var got []string
	for _, p := range reg.List() {
		got = append(got, p.Name)
	}
	if !reflect.DeepEqual(got, names) {
		t.Fatalf("expected %v, got %v", names, got)
	}
}

func TestReopenRestoresState(t *testing.T) {
	reg, path := openTest(t)
	if _, err := reg.RegisterWithDevice("Alice", "D1"); err != nil {
		t.Fatalf("register: %v", err)
	}

	reopened, err := Open(path, reg.Root(), newLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	p, err := reopened.FindByDevice("D1")
	if err != nil || p.Name != "Alice" || p.Color != "#123456" {
		t.Fatalf("unexpected state after reopen: %+v %v", p, err)
	}
}

func TestLegacyFormatUpgrade(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "students.json")
	if err := os.WriteFile(path, []byte(`["张三", "李四"]`), 0o644); err != nil {
		t.Fatalf("write legacy file: %v", err)
	}

	reg, err := Open(path, filepath.Join(dir, "uploads"), newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	list := reg.List()
	if len(list) != 2 || list[0].Name != "张三" || list[1].Name != "李四" {
		t.Fatalf("unexpected upgraded registry %+v", list)
	}
	persisted := readPersisted(t, path)
	for _, p := range persisted {
		if !colorPattern.MatchString(p.Color) {
			t.Fatalf("expected palette color, got %q", p.Color)
		}
	}
}

func TestCorruptRegistryFailsOpen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "students.json")
	if err := os.WriteFile(path, []byte(`{"not": "a list"}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Open(path, filepath.Join(dir, "uploads"), newLogger()); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestInvalidEntriesFailOpen(t *testing.T) {
	cases := map[string]string{
		"traversal":        `[{"name": "../x", "color": "#123456"}]`,
		"padded":           `[{"name": "Bob ", "color": "#123456"}]`,
		"duplicate name":   `[{"name": "Bob"}, {"name": "Bob"}]`,
		"duplicate device": `[{"name": "A", "device_id": "D1"}, {"name": "B", "device_id": "D1"}]`,
		"legacy traversal": `["ok", ".."]`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "students.json")
			if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}
			if _, err := Open(path, filepath.Join(dir, "uploads"), newLogger()); err == nil {
				t.Fatalf("expected open to reject %s", body)
			}
		})
	}
}

func TestValidName(t *testing.T) {
	for name, want := range map[string]bool{
		"Alice": true,
		"张三":    true,
		"Bob ":  false,
		"":      false,
		"..":    false,
		"a/b":   false,
	} {
		if got := ValidName(name); got != want {
			t.Fatalf("ValidName(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestPaletteColorsAreValid(t *testing.T) {
	for _, c := range Palette {
		if !colorPattern.MatchString(c) {
			t.Fatalf("palette color %q is malformed", c)
		}
	}
}
