// Package roster owns the participant registry: names, display colors and
// device bindings, persisted as JSON and mirrored by one folder per
// participant under the storage root.
package roster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrNotFound        = errors.New("participant not found")
	ErrDuplicateName   = errors.New("participant already exists")
	ErrDuplicateDevice = errors.New("device id already bound")
	ErrInvalidName     = errors.New("invalid participant name")
	ErrInvalidColor    = errors.New("invalid color format")
)

// IsValidation reports whether err is a caller mistake rather than a storage
// failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrDuplicateName) ||
		errors.Is(err, ErrDuplicateDevice) ||
		errors.Is(err, ErrInvalidName) ||
		errors.Is(err, ErrInvalidColor)
}

// Palette is the fixed set of display colors handed out to new participants.
var Palette = []string{
	"#4a55e0", "#5a2a8a", "#d963d6", "#e03a57", "#2a8cf5", "#00c8d9",
	"#2ab85a", "#e55a85", "#ff6a7e", "#fdbfdf", "#76d6c2", "#b8e55a",
	"#ffcc99", "#f899c0",
}

var colorPattern = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

type Participant struct {
	Name     string `json:"name"`
	Color    string `json:"color"`
	DeviceID string `json:"device_id"`
}

// Registry is safe for concurrent use. Mutations hold the write lock across
// the in-memory change and the file write.
type Registry struct {
	path  string
	root  string
	log   *slog.Logger
	mu    sync.RWMutex
	items []Participant
	color func() string
}

type Option func(*Registry)

// WithColorPicker overrides the random palette choice.
func WithColorPicker(pick func() string) Option {
	return func(r *Registry) { r.color = pick }
}

// Open loads the registry stored at path. root is the directory holding one
// folder per participant; it is created if missing.
func Open(path, root string, log *slog.Logger, opts ...Option) (*Registry, error) {
	r := &Registry{
		path:  path,
		root:  root,
		log:   log.With(slog.String("component", "roster")),
		color: randomColor,
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return r, nil
}

func randomColor() string {
	return Palette[rand.IntN(len(Palette))]
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read registry: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}

	var items []Participant
	if err := json.Unmarshal(data, &items); err == nil {
		for i := range items {
			if items[i].Color == "" {
				items[i].Color = r.color()
			}
		}
		if err := checkLoaded(items); err != nil {
			return err
		}
		r.items = items
		return nil
	}

	var legacy []string
	if err := json.Unmarshal(data, &legacy); err != nil {
		return fmt.Errorf("decode registry: %w", err)
	}
	items = make([]Participant, 0, len(legacy))
	for _, name := range legacy {
		items = append(items, Participant{Name: name, Color: r.color()})
	}
	if err := checkLoaded(items); err != nil {
		return err
	}
	r.items = items
	if err := r.persist(); err != nil {
		return fmt.Errorf("upgrade legacy registry: %w", err)
	}
	r.log.Info("upgraded legacy registry", slog.Int("participants", len(items)))
	return nil
}

// checkLoaded rejects entries that could not have been registered: names
// that fail normalization and duplicated names or devices.
func checkLoaded(items []Participant) error {
	names := make(map[string]struct{}, len(items))
	devices := make(map[string]struct{}, len(items))
	for _, p := range items {
		if !ValidName(p.Name) {
			return fmt.Errorf("load registry: %w: %q", ErrInvalidName, p.Name)
		}
		name := p.Name
		if _, dup := names[name]; dup {
			return fmt.Errorf("load registry: %w: %s", ErrDuplicateName, name)
		}
		names[name] = struct{}{}
		if p.DeviceID == "" {
			continue
		}
		if _, dup := devices[p.DeviceID]; dup {
			return fmt.Errorf("load registry: %w: %s", ErrDuplicateDevice, p.DeviceID)
		}
		devices[p.DeviceID] = struct{}{}
	}
	return nil
}

// persist writes the full registry. Callers hold the write lock.
func (r *Registry) persist() error {
	items := r.items
	if items == nil {
		items = []Participant{}
	}
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".registry-*.json")
	if err != nil {
		return fmt.Errorf("create temp registry: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write registry: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close registry: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		return fmt.Errorf("replace registry: %w", err)
	}
	return nil
}

// commit persists the current state or restores prev when the write fails.
func (r *Registry) commit(prev []Participant) error {
	if err := r.persist(); err != nil {
		r.items = prev
		return err
	}
	return nil
}

func (r *Registry) snapshot() []Participant {
	return append([]Participant(nil), r.items...)
}

func (r *Registry) indexOf(name string) int {
	for i, p := range r.items {
		if p.Name == name {
			return i
		}
	}
	return -1
}

func (r *Registry) deviceOwner(deviceID string) int {
	if deviceID == "" {
		return -1
	}
	for i, p := range r.items {
		if p.DeviceID == deviceID {
			return i
		}
	}
	return -1
}

func normalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return name, nil
}

// ValidName reports whether name can be registered exactly as given, so a
// folder called name maps onto a participant of the same name.
func ValidName(name string) bool {
	normalized, err := normalizeName(name)
	return err == nil && normalized == name
}

func (r *Registry) Register(name string) (Participant, error) {
	return r.RegisterWithDevice(name, "")
}

// RegisterWithDevice adds a participant, optionally bound to deviceID, and
// creates its folder.
func (r *Registry) RegisterWithDevice(name, deviceID string) (Participant, error) {
	name, err := normalizeName(name)
	if err != nil {
		return Participant{}, err
	}
	deviceID = strings.TrimSpace(deviceID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.indexOf(name) >= 0 {
		return Participant{}, fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}
	if r.deviceOwner(deviceID) >= 0 {
		return Participant{}, fmt.Errorf("%w: %s", ErrDuplicateDevice, deviceID)
	}

	p := Participant{Name: name, Color: r.color(), DeviceID: deviceID}
	prev := r.snapshot()
	r.items = append(r.items, p)
	if err := r.commit(prev); err != nil {
		return Participant{}, err
	}
	if _, err := r.ensureFolder(name); err != nil {
		r.log.Warn("failed to create participant folder", slog.String("name", name), slog.String("error", err.Error()))
	}
	r.log.Info("participant registered", slog.String("name", name), slog.Bool("device_bound", deviceID != ""))
	return p, nil
}

// Ensure registers name without a device binding unless it already exists.
// created reports whether this call added it.
func (r *Registry) Ensure(name string) (p Participant, created bool, err error) {
	name, err = normalizeName(name)
	if err != nil {
		return Participant{}, false, err
	}

	r.mu.RLock()
	if i := r.indexOf(name); i >= 0 {
		p = r.items[i]
		r.mu.RUnlock()
		return p, false, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.indexOf(name); i >= 0 {
		return r.items[i], false, nil
	}
	p = Participant{Name: name, Color: r.color()}
	prev := r.snapshot()
	r.items = append(r.items, p)
	if err := r.commit(prev); err != nil {
		return Participant{}, false, err
	}
	r.log.Info("participant auto-registered", slog.String("name", name))
	return p, true, nil
}

func (r *Registry) FindByName(name string) (Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i := r.indexOf(name); i >= 0 {
		return r.items[i], nil
	}
	return Participant{}, ErrNotFound
}

func (r *Registry) FindByDevice(deviceID string) (Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i := r.deviceOwner(strings.TrimSpace(deviceID)); i >= 0 {
		return r.items[i], nil
	}
	return Participant{}, ErrNotFound
}

func (r *Registry) UpdateColor(name, color string) error {
	color = strings.TrimSpace(color)
	if !colorPattern.MatchString(color) {
		return fmt.Errorf("%w: %q", ErrInvalidColor, color)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexOf(name)
	if i < 0 {
		return ErrNotFound
	}
	prev := r.snapshot()
	r.items[i].Color = color
	return r.commit(prev)
}

// UpdateDevice rebinds name to deviceID; an empty deviceID clears the binding.
func (r *Registry) UpdateDevice(name, deviceID string) error {
	deviceID = strings.TrimSpace(deviceID)

	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexOf(name)
	if i < 0 {
		return ErrNotFound
	}
	if owner := r.deviceOwner(deviceID); owner >= 0 && owner != i {
		return fmt.Errorf("%w: %s", ErrDuplicateDevice, deviceID)
	}
	prev := r.snapshot()
	r.items[i].DeviceID = deviceID
	return r.commit(prev)
}

// Delete removes the participant, then its folder with everything in it.
// The registry entry is gone once the file is written even if the folder
// cannot be removed.
func (r *Registry) Delete(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexOf(name)
	if i < 0 {
		return ErrNotFound
	}
	prev := r.snapshot()
	r.items = append(r.items[:i:i], r.items[i+1:]...)
	if err := r.commit(prev); err != nil {
		return err
	}
	if err := os.RemoveAll(r.folder(name)); err != nil {
		r.log.Warn("failed to remove participant folder", slog.String("name", name), slog.String("error", err.Error()))
	}
	r.log.Info("participant deleted", slog.String("name", name))
	return nil
}

// List returns participants in insertion order.
func (r *Registry) List() []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot()
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

func (r *Registry) Root() string { return r.root }

// Folder is the storage directory for name; it may not exist yet.
func (r *Registry) Folder(name string) string { return r.folder(name) }

func (r *Registry) folder(name string) string {
	return filepath.Join(r.root, name)
}

// EnsureFolder creates the participant's storage directory if absent.
func (r *Registry) EnsureFolder(name string) (string, error) {
	name, err := normalizeName(name)
	if err != nil {
		return "", err
	}
	return r.ensureFolder(name)
}

func (r *Registry) ensureFolder(name string) (string, error) {
	dir := r.folder(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create participant folder: %w", err)
	}
	return dir, nil
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/roster")
	participants, err := meter.Int64ObservableGauge("scribe.roster.participants", metric.WithDescription("Registered participants"))
	if err != nil {
		return err
	}
	bound, err := meter.Int64ObservableGauge("scribe.roster.bound_devices", metric.WithDescription("Participants with a device binding"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		total, devices := r.counts()
		obs.ObserveInt64(participants, total)
		obs.ObserveInt64(bound, devices)
		return nil
	}, participants, bound)
	return err
}

func (r *Registry) counts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var devices int64
	for _, p := range r.items {
		if p.DeviceID != "" {
			devices++
		}
	}
	return int64(len(r.items)), devices
}
