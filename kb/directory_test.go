package kb

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/signalsfoundry/rt-oracle-bridge/model"
)

func rec(id string, x, y, z float64) model.ObjectRecord {
	return model.ObjectRecord{ID: id, X: x, Y: y, Z: z}
}

func TestUpsertAndGet(t *testing.T) {
	dir := NewDirectory()
	if err := dir.Upsert(rec("obj1", 200, 0, 1.5)); err != nil {
		t.Fatalf("Upsert error: %v", err)
	}
	got, err := dir.Get("obj1")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.Position() != (model.Vector{X: 200, Y: 0, Z: 1.5}) {
		t.Fatalf("Get returned %#v", got)
	}
}

func TestUpsertOverwritesInPlace(t *testing.T) {
	dir := NewDirectory()
	_ = dir.Upsert(rec("a", 1, 1, 0))
	_ = dir.Upsert(rec("b", 2, 2, 0))
	_ = dir.Upsert(rec("a", 5, 5, 0))

	if dir.Len() != 2 {
		t.Fatalf("Len = %d, want 2", dir.Len())
	}
	list := dir.List()
	if list[0].ID != "a" || list[0].X != 5 {
		t.Fatalf("overwrite should keep first-seen slot, got %#v", list)
	}
}

func TestUpsertRejectsEmptyID(t *testing.T) {
	if err := NewDirectory().Upsert(model.ObjectRecord{}); err == nil {
		t.Fatalf("expected error for empty id")
	}
}

func TestUpsertRejectsNonFinitePosition(t *testing.T) {
	dir := NewDirectory()
	for _, r := range []model.ObjectRecord{
		rec("a", math.NaN(), 0, 0),
		rec("a", 0, math.Inf(1), 0),
		rec("a", 0, 0, math.Inf(-1)),
	} {
		if err := dir.Upsert(r); err == nil {
			t.Fatalf("expected error for %+v", r)
		}
	}
	if dir.Len() != 0 {
		t.Fatalf("Len = %d, want 0", dir.Len())
	}
}

func TestGetMissing(t *testing.T) {
	_, err := NewDirectory().Get("nope")
	if !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("Get missing err = %v, want ErrObjectNotFound", err)
	}
}

func TestRemove(t *testing.T) {
	dir := NewDirectory()
	_ = dir.Upsert(rec("a", 1, 1, 0))
	_ = dir.Upsert(rec("b", 2, 2, 0))
	if err := dir.Remove("a"); err != nil {
		t.Fatalf("Remove error: %v", err)
	}
	if dir.Len() != 1 || dir.List()[0].ID != "b" {
		t.Fatalf("unexpected directory after remove: %#v", dir.List())
	}
	if err := dir.Remove("a"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("second Remove err = %v", err)
	}
}

func TestSubscribeReceivesEvents(t *testing.T) {
	dir := NewDirectory()
	var got []Event
	unsubscribe := dir.Subscribe(func(e Event) { got = append(got, e) })

	_ = dir.Upsert(rec("a", 1, 1, 0))
	_ = dir.Upsert(rec("a", 2, 2, 0))
	unsubscribe()
	_ = dir.Upsert(rec("a", 3, 3, 0))

	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].Type != EventObjectAdded || got[1].Type != EventObjectUpdated {
		t.Fatalf("unexpected event types: %v, %v", got[0].Type, got[1].Type)
	}
	if got[1].Object.X != 2 {
		t.Fatalf("event carries stale record: %#v", got[1].Object)
	}
}

func TestConcurrentAccess(t *testing.T) {
	dir := NewDirectory()
	resolver := NewPositionResolver(dir)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = dir.List()
			_ = resolver.Resolve(model.Vector{X: float64(i)})
		}()
		go func() {
			defer wg.Done()
			_ = dir.Upsert(rec("p1", float64(i), 0, 0))
		}()
	}
	wg.Wait()
}
