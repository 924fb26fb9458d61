package phantom_probe

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hipsterbrown/feetech-servo/feetech"
)

// servoBus is the slice of a Feetech servo group the controller needs.
// Positions are raw steps keyed by servo ID.
type servoBus interface {
	Positions(ctx context.Context) (map[int]int, error)
	SetPositions(ctx context.Context, positions map[int]int) error
	EnableAll(ctx context.Context) error
	Close() error
}

type feetechBus struct {
	bus   *feetech.Bus
	group *feetech.ServoGroup
}

func openFeetechBus(cfg *ServoBusConfig) (servoBus, error) {
	bus, err := feetech.NewBus(feetech.BusConfig{
		Port:     cfg.Port,
		BaudRate: cfg.Baudrate,
		Protocol: feetech.ProtocolSTS,
		Timeout:  cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create feetech servo bus: %w", err)
	}
	return &feetechBus{bus: bus, group: feetech.NewServoGroupByIDs(bus, cfg.ServoIDs...)}, nil
}

func (b *feetechBus) Positions(ctx context.Context) (map[int]int, error) {
	raw, err := b.group.Positions(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[int]int, len(raw))
	for id, pos := range raw {
		out[id] = pos
	}
	return out, nil
}

func (b *feetechBus) SetPositions(ctx context.Context, positions map[int]int) error {
	pm := make(feetech.PositionMap, len(positions))
	for id, pos := range positions {
		pm[id] = pos
	}
	return b.group.SetPositions(ctx, pm)
}

func (b *feetechBus) EnableAll(ctx context.Context) error {
	return b.group.EnableAll(ctx)
}

func (b *feetechBus) Close() error {
	return b.bus.Close()
}

type busEntry struct {
	bus      servoBus
	config   *ServoBusConfig
	refCount int64 // Atomic reference counter
	mu       sync.RWMutex
}

// BusRegistry shares one open bus per serial port between controllers.
type BusRegistry struct {
	entries map[string]*busEntry // port path -> entry
	mu      sync.RWMutex

	open func(cfg *ServoBusConfig) (servoBus, error)
}

func NewBusRegistry() *BusRegistry {
	return &BusRegistry{
		entries: make(map[string]*busEntry),
		open:    openFeetechBus,
	}
}

var sharedBuses = NewBusRegistry()

// Acquire returns the bus for cfg.Port, opening it on first use.
func (r *BusRegistry) Acquire(cfg *ServoBusConfig) (servoBus, error) {
	r.mu.RLock()
	entry, exists := r.entries[cfg.Port]
	r.mu.RUnlock()

	if exists {
		return r.acquireExisting(entry, cfg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, exists := r.entries[cfg.Port]; exists {
		return r.acquireExisting(entry, cfg)
	}

	bus, err := r.open(cfg)
	if err != nil {
		return nil, err
	}

	r.entries[cfg.Port] = &busEntry{bus: bus, config: cfg, refCount: 1}
	if cfg.Logger != nil {
		cfg.Logger.Infof("Opened servo bus on %s with servos %v", cfg.Port, cfg.ServoIDs)
	}
	return bus, nil
}

func (r *BusRegistry) acquireExisting(entry *busEntry, cfg *ServoBusConfig) (servoBus, error) {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.bus == nil {
		return nil, fmt.Errorf("bus not available for port %s", cfg.Port)
	}
	if !busConfigsEqual(entry.config, cfg) {
		return nil, fmt.Errorf("conflict: existing bus uses different config (refCount: %d)", atomic.LoadInt64(&entry.refCount))
	}

	atomic.AddInt64(&entry.refCount, 1)
	return entry.bus, nil
}

// Release drops one reference and closes the bus when none are left.
func (r *BusRegistry) Release(port string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[port]
	if !exists {
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if atomic.AddInt64(&entry.refCount, -1) > 0 {
		return
	}
	if entry.bus != nil {
		if err := entry.bus.Close(); err != nil && entry.config != nil && entry.config.Logger != nil {
			entry.config.Logger.Warnf("error closing shared bus for port %s: %v", port, err)
		}
	}

	delete(r.entries, port)
	entry.bus = nil
	entry.config = nil
	atomic.StoreInt64(&entry.refCount, 0)
}

// ForceClose closes the bus regardless of outstanding references.
func (r *BusRegistry) ForceClose(port string) error {
	r.mu.Lock()
	entry, exists := r.entries[port]
	if exists {
		delete(r.entries, port)
	}
	r.mu.Unlock()

	if !exists {
		return nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	var err error
	if entry.bus != nil {
		err = entry.bus.Close()
		entry.bus = nil
		entry.config = nil
		atomic.StoreInt64(&entry.refCount, 0)
	}
	return err
}

// Status reports the reference count, whether the bus is open, and a summary.
func (r *BusRegistry) Status(port string) (int64, bool, string) {
	r.mu.RLock()
	entry, exists := r.entries[port]
	r.mu.RUnlock()

	if !exists {
		return 0, false, ""
	}

	entry.mu.RLock()
	defer entry.mu.RUnlock()

	summary := ""
	if entry.config != nil {
		summary = fmt.Sprintf("Serial: %s@%d, Servos: %v", entry.config.Port, entry.config.Baudrate, entry.config.ServoIDs)
	}
	return atomic.LoadInt64(&entry.refCount), entry.bus != nil, summary
}

func busConfigsEqual(a, b *ServoBusConfig) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	if a.Port != b.Port || a.Baudrate != b.Baudrate || a.Timeout != b.Timeout || len(a.ServoIDs) != len(b.ServoIDs) {
		return false
	}
	for i := range a.ServoIDs {
		if a.ServoIDs[i] != b.ServoIDs[i] {
			return false
		}
	}
	return true
}
