package accessory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nerrad567/runnable-bridge/internal/communicator"
	"github.com/nerrad567/runnable-bridge/internal/lock"
)

// cacheTimeout bounds cache writes made outside a caller's context.
const cacheTimeout = 5 * time.Second

// Communicator is the part of *communicator.Communicator the platform uses.
type Communicator interface {
	Connect() error
	Disconnect()
	Send(message any) error
	Subscribe(fn communicator.Listener) (unsubscribe func())
	Interval() time.Duration
}

// Logger defines the logging interface used by the Platform.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// entry is a registered accessory and the mutex serialising its commands.
type entry struct {
	acc  *Accessory
	lock *lock.Mutex
}

// Platform owns the configured accessories. It routes runnable updates to
// them by name and turns characteristic writes into SET commands.
//
// All public methods are thread-safe.
type Platform struct {
	comm   Communicator
	cache  Cache
	logger Logger

	mu          sync.RWMutex
	entries     map[string]*entry
	order       []string
	observers   []StateObserver
	unsubscribe func()
}

// NewPlatform registers the given accessories. cache may be nil, in which
// case nothing survives a restart.
func NewPlatform(defs []Definition, comm Communicator, cache Cache) (*Platform, error) {
	p := &Platform{
		comm:    comm,
		cache:   cache,
		logger:  noopLogger{},
		entries: make(map[string]*entry, len(defs)),
	}

	for _, d := range defs {
		if _, ok := p.entries[d.Name]; ok {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateAccessory, d.Name)
		}
		chars := make([]string, len(d.Characteristics))
		copy(chars, d.Characteristics)

		p.entries[d.Name] = &entry{
			acc: &Accessory{
				ID:              ID(d.Name),
				Name:            d.Name,
				Service:         d.Service,
				Characteristics: chars,
				Values:          make(map[string]json.RawMessage),
			},
			lock: lock.New(),
		}
		p.order = append(p.order, d.Name)
	}
	return p, nil
}

// SetLogger sets the logger for the platform.
func (p *Platform) SetLogger(logger Logger) {
	p.logger = logger
}

// Observe registers fn for every subsequent value change.
func (p *Platform) Observe(fn StateObserver) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, fn)
}

// Start reconciles the cache with the configuration, subscribes to runnable
// messages and connects. A runnable that fails to start is logged, not
// returned, so the rest of the bridge can keep serving.
func (p *Platform) Start(ctx context.Context) error {
	if err := p.reconcile(ctx); err != nil {
		return fmt.Errorf("reconciling accessory cache: %w", err)
	}

	p.mu.Lock()
	if p.unsubscribe == nil {
		p.unsubscribe = p.comm.Subscribe(p.handleMessage)
	}
	p.mu.Unlock()

	for _, name := range p.order {
		e := p.entries[name]
		p.logger.Info("accessory started", "name", name, "service", e.acc.Service)
	}

	if err := p.comm.Connect(); err != nil {
		p.logger.Error("runnable did not start", "error", err)
	}
	return nil
}

// Shutdown stops listening and disconnects the runnable.
func (p *Platform) Shutdown() {
	p.mu.Lock()
	unsubscribe := p.unsubscribe
	p.unsubscribe = nil
	p.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	p.comm.Disconnect()
}

// reconcile restores cached values of configured accessories, disposes of
// cached accessories that are no longer configured and registers the rest.
func (p *Platform) reconcile(ctx context.Context) error {
	if p.cache == nil {
		return nil
	}

	records, err := p.cache.List(ctx)
	if err != nil {
		return err
	}

	byID := make(map[string]*entry, len(p.entries))
	for _, e := range p.entries {
		byID[e.acc.ID] = e
	}

	cached := make(map[string]bool, len(records))
	for _, rec := range records {
		e, ok := byID[rec.ID]
		if !ok {
			if err := p.cache.Delete(ctx, rec.ID); err != nil {
				return fmt.Errorf("disposing %s: %w", rec.Name, err)
			}
			p.logger.Info("cached accessory disposed", "name", rec.Name)
			continue
		}

		values, err := p.cache.Values(ctx, rec.ID)
		if err != nil {
			return fmt.Errorf("restoring %s: %w", rec.Name, err)
		}

		p.mu.Lock()
		for c, v := range values {
			if e.acc.HasCharacteristic(c) {
				e.acc.Values[c] = v
			}
		}
		e.acc.UpdatedAt = rec.UpdatedAt
		p.mu.Unlock()

		cached[rec.ID] = true
		p.logger.Info("cached accessory restored", "name", rec.Name, "values", len(values))
	}

	for _, name := range p.order {
		e := p.entries[name]
		if err := p.cache.Upsert(ctx, Record{ID: e.acc.ID, Name: e.acc.Name, Service: e.acc.Service}); err != nil {
			return err
		}
		if !cached[e.acc.ID] {
			p.logger.Info("new accessory added", "name", name, "service", e.acc.Service)
		}
	}
	return nil
}

// handleMessage applies a runnable update addressed to one of our accessories.
func (p *Platform) handleMessage(msg json.RawMessage) {
	name := gjson.GetBytes(msg, "name")
	if name.Type != gjson.String {
		p.logger.Debug("ignoring message without name", "message", string(msg))
		return
	}

	p.mu.RLock()
	e, ok := p.entries[name.Str]
	p.mu.RUnlock()
	if !ok {
		p.logger.Debug("ignoring message for unknown accessory", "name", name.Str)
		return
	}

	characteristic := gjson.GetBytes(msg, "characteristic").String()
	if !e.acc.HasCharacteristic(characteristic) {
		p.logger.Warn("no such characteristic on accessory",
			"name", name.Str,
			"characteristic", characteristic,
		)
		return
	}

	value := gjson.GetBytes(msg, "value")
	if !value.Exists() {
		p.logger.Warn("update without value", "name", name.Str, "characteristic", characteristic)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cacheTimeout)
	defer cancel()
	p.apply(ctx, e, characteristic, json.RawMessage(value.Raw), SourceDevice)
}

// SetCharacteristic asks the runnable to change one characteristic.
//
// Commands for the same accessory are serialised: each waits for the
// previous one plus the communicator's interval. The SET command carries
// the accessory's status as it was before this change.
func (p *Platform) SetCharacteristic(ctx context.Context, name, characteristic string, value any) error {
	p.mu.RLock()
	e, ok := p.entries[name]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrAccessoryNotFound, name)
	}
	if !e.acc.HasCharacteristic(characteristic) {
		return fmt.Errorf("%w: %q on %q", ErrUnknownCharacteristic, characteristic, name)
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidValue, err)
	}

	if err := e.lock.Acquire(ctx); err != nil {
		return err
	}
	defer e.lock.Release(p.comm.Interval())

	p.mu.RLock()
	status := e.acc.Status()
	p.mu.RUnlock()

	cmd := Command{
		Method:         MethodSet,
		Name:           name,
		Characteristic: characteristic,
		Value:          raw,
		Status:         status,
	}
	if err := p.comm.Send(cmd); err != nil {
		return fmt.Errorf("sending command: %w", err)
	}

	p.apply(ctx, e, characteristic, raw, SourceCommand)
	return nil
}

// apply stores a value, persists it and notifies observers.
func (p *Platform) apply(ctx context.Context, e *entry, characteristic string, value json.RawMessage, source string) {
	now := time.Now().UTC()

	p.mu.Lock()
	e.acc.Values[characteristic] = value
	e.acc.UpdatedAt = now
	observers := make([]StateObserver, len(p.observers))
	copy(observers, p.observers)
	p.mu.Unlock()

	if p.cache != nil {
		if err := p.cache.SaveValue(ctx, e.acc.ID, characteristic, value, source); err != nil {
			p.logger.Warn("caching value failed",
				"name", e.acc.Name,
				"characteristic", characteristic,
				"error", err,
			)
		}
	}

	change := Change{
		AccessoryID:    e.acc.ID,
		Name:           e.acc.Name,
		Characteristic: characteristic,
		Value:          value,
		Source:         source,
		Timestamp:      now,
	}
	for _, fn := range observers {
		p.notify(fn, change)
	}
}

func (p *Platform) notify(fn StateObserver, change Change) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("state observer panicked", "name", change.Name, "panic", r)
		}
	}()
	fn(change)
}

// Accessories returns snapshots of all accessories in configuration order.
func (p *Platform) Accessories() []Accessory {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Accessory, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, *p.entries[name].acc.DeepCopy())
	}
	return out
}

// Accessory returns a snapshot of the named accessory.
func (p *Platform) Accessory(name string) (*Accessory, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	e, ok := p.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrAccessoryNotFound, name)
	}
	return e.acc.DeepCopy(), nil
}
