// Package kb holds the object directory: the last-known position, velocity
// and heading of every entity the oracle has confirmed.
package kb

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/signalsfoundry/rt-oracle-bridge/model"
)

// ErrObjectNotFound is returned when an id has no directory entry.
var ErrObjectNotFound = errors.New("object not found")

// EventType indicates what kind of change happened in the directory.
type EventType int

const (
	EventObjectAdded EventType = iota
	EventObjectUpdated
	EventObjectRemoved
)

// Event is emitted to subscribers when something interesting happens.
type Event struct {
	Type   EventType
	Object model.ObjectRecord
}

// Directory maps entity ids to their last-known ObjectRecord. One record per
// id; later updates overwrite in place. Records are also kept in first-seen
// order so that position scans are deterministic.
type Directory struct {
	mu sync.RWMutex

	objects map[string]*model.ObjectRecord
	order   []string

	subs map[int]func(Event)
	next int
}

// NewDirectory constructs an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		objects: make(map[string]*model.ObjectRecord),
		subs:    make(map[int]func(Event)),
	}
}

// Upsert stores rec under rec.ID, overwriting any previous record, and
// notifies subscribers.
func (d *Directory) Upsert(rec model.ObjectRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("object record has empty ID")
	}
	if !finite(rec.X) || !finite(rec.Y) || !finite(rec.Z) {
		return fmt.Errorf("object %q: non-finite position", rec.ID)
	}

	d.mu.Lock()
	evType := EventObjectUpdated
	if existing, ok := d.objects[rec.ID]; ok {
		*existing = rec
	} else {
		stored := rec
		d.objects[rec.ID] = &stored
		d.order = append(d.order, rec.ID)
		evType = EventObjectAdded
	}
	subs := d.snapshotSubs()
	d.mu.Unlock()

	// Notify subscribers outside the lock to avoid deadlocks.
	for _, sub := range subs {
		sub(Event{Type: evType, Object: rec})
	}
	return nil
}

// Get returns a copy of the record for id.
func (d *Directory) Get(id string) (model.ObjectRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.objects[id]
	if !ok {
		return model.ObjectRecord{}, fmt.Errorf("%w: %q", ErrObjectNotFound, id)
	}
	return *rec, nil
}

// Remove deletes the record for id.
func (d *Directory) Remove(id string) error {
	d.mu.Lock()
	rec, ok := d.objects[id]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrObjectNotFound, id)
	}
	removed := *rec
	delete(d.objects, id)
	for i, oid := range d.order {
		if oid == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	subs := d.snapshotSubs()
	d.mu.Unlock()

	for _, sub := range subs {
		sub(Event{Type: EventObjectRemoved, Object: removed})
	}
	return nil
}

// Len returns the number of records.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.objects)
}

// List returns a snapshot of all records in first-seen order.
func (d *Directory) List() []model.ObjectRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()

	res := make([]model.ObjectRecord, 0, len(d.order))
	for _, id := range d.order {
		res = append(res, *d.objects[id])
	}
	return res
}

// Scan calls fn for every record in first-seen order while holding the read
// lock. fn must not call back into the directory.
func (d *Directory) Scan(fn func(model.ObjectRecord)) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, id := range d.order {
		fn(*d.objects[id])
	}
}

// Subscribe registers a callback for directory events. It returns an
// unsubscribe function.
func (d *Directory) Subscribe(fn func(Event)) (unsubscribe func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.next
	d.next++
	d.subs[id] = fn

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.subs, id)
	}
}

func (d *Directory) snapshotSubs() []func(Event) {
	subs := make([]func(Event), 0, len(d.subs))
	for i := 0; i < d.next; i++ {
		if fn, ok := d.subs[i]; ok {
			subs = append(subs, fn)
		}
	}
	return subs
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
