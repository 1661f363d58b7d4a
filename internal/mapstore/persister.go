package mapstore

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"gitlab.com/secp/services/lightrelay/internal/clock"
	"gitlab.com/secp/services/lightrelay/internal/protocol"
)

const saveTimeout = 10 * time.Second

// Persister caches every room's table and writes the whole document to its
// Store once changes have been quiet for the debounce delay. A failed write
// keeps the document dirty and tries again after another delay.
type Persister struct {
	store Store
	clock clock.Clock
	delay time.Duration
	log   *zap.Logger

	mu    sync.Mutex
	maps  Maps
	dirty bool
	timer clock.Timer

	// serializes Store.Save so an older snapshot never lands after a newer one
	saveMu sync.Mutex
}

func NewPersister(store Store, delay time.Duration, clk clock.Clock, log *zap.Logger) *Persister {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Persister{
		store: store,
		clock: clk,
		delay: delay,
		log:   log,
		maps:  Maps{},
	}
}

// Load replaces the cache with the stored document and returns the number
// of rooms read. A read or parse failure leaves the cache empty; the error
// is returned for logging only.
func (p *Persister) Load(ctx context.Context) (int, error) {
	maps, err := p.store.Load(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.maps = Maps{}
		return 0, err
	}
	p.maps = Maps{}
	for room, entries := range maps {
		if len(entries) > 0 {
			p.maps[room] = entries
		}
	}
	return len(p.maps), nil
}

// Get returns a copy of the room's table, or nil.
func (p *Persister) Get(room string) []protocol.MappingEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	entries, ok := p.maps[room]
	if !ok {
		return nil
	}
	return append([]protocol.MappingEntry(nil), entries...)
}

// Rooms returns a copy of the cached document.
func (p *Persister) Rooms() Maps {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maps.Clone()
}

// Put records the room's table and schedules a save. An empty table
// removes the room from the document.
func (p *Persister) Put(room string, entries []protocol.MappingEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(entries) == 0 {
		if _, ok := p.maps[room]; !ok {
			return
		}
		delete(p.maps, room)
	} else {
		p.maps[room] = append([]protocol.MappingEntry(nil), entries...)
	}
	p.dirty = true
	p.scheduleLocked()
}

// Dirty reports whether changes are waiting to be written.
func (p *Persister) Dirty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dirty
}

// Flush cancels any pending timer and writes outstanding changes now.
func (p *Persister) Flush(ctx context.Context) error {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()
	return p.save(ctx)
}

func (p *Persister) scheduleLocked() {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = p.clock.AfterFunc(p.delay, p.onTimer)
}

func (p *Persister) onTimer() {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()

	if err := p.save(ctx); err != nil {
		p.log.Warn("map save failed, will retry", zap.Error(err), zap.Duration("retry_in", p.delay))
		p.mu.Lock()
		p.scheduleLocked()
		p.mu.Unlock()
	}
}

func (p *Persister) save(ctx context.Context) error {
	p.saveMu.Lock()
	defer p.saveMu.Unlock()

	p.mu.Lock()
	if !p.dirty {
		p.mu.Unlock()
		return nil
	}
	snapshot := p.maps.Clone()
	p.dirty = false
	p.mu.Unlock()

	if err := p.store.Save(ctx, snapshot); err != nil {
		p.mu.Lock()
		p.dirty = true
		p.mu.Unlock()
		return err
	}
	p.log.Debug("maps saved", zap.Int("rooms", len(snapshot)))
	return nil
}
