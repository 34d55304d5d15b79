package manager

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Observer is called synchronously, in mutation order, from the manager's
// worker. It must not submit operations to the same manager.
type Observer interface {
	PumpStatusDidChange(status Status)
	ReservoirVolumeDidChange(reading ReservoirReading)
}

type ObserverID uint64

type registration struct {
	id       ObserverID
	observer Observer
	removed  atomic.Bool
}

type observers struct {
	mtx     sync.Mutex
	next    ObserverID
	entries map[ObserverID]*registration
}

func newObservers() *observers {
	return &observers{entries: make(map[ObserverID]*registration)}
}

func (o *observers) add(observer Observer) ObserverID {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	o.next++
	o.entries[o.next] = &registration{id: o.next, observer: observer}
	return o.next
}

func (o *observers) remove(id ObserverID) {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	if r, ok := o.entries[id]; ok {
		r.removed.Store(true)
		delete(o.entries, id)
	}
}

// each calls fn for every observer registered when it started, in
// registration order, skipping those removed in the meantime
func (o *observers) each(fn func(Observer)) {
	o.mtx.Lock()
	snapshot := make([]*registration, 0, len(o.entries))
	for _, r := range o.entries {
		snapshot = append(snapshot, r)
	}
	o.mtx.Unlock()
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].id < snapshot[j].id })

	for _, r := range snapshot {
		if r.removed.Load() {
			continue
		}
		fn(r.observer)
	}
}

// AddObserver registers observer until RemoveObserver is called with the returned id
func (m *Manager) AddObserver(observer Observer) ObserverID {
	return m.observers.add(observer)
}

// RemoveObserver is safe to call from inside a notification; the removed
// observer is not called again.
func (m *Manager) RemoveObserver(id ObserverID) {
	m.observers.remove(id)
}
