// SPDX-FileCopyrightText: 2023 Ribbit Network Contributors
// SPDX-License-Identifier: Apache-2.0

package config

// Watcher delivers the resolved values of a fixed set of keys.  The
// current values are available immediately; a new tuple is delivered after
// any relevant Set.  Notifications coalesce: a slow consumer sees the
// latest values, not every intermediate state.
type Watcher struct {
	registry *Registry
	keys     []string

	// C receives the resolved values, in the order the keys were passed
	// to Watch.
	C chan []any
}

// Watch registers a watcher on the named keys.  Unknown keys resolve to
// nil.  Close the watcher when done with it.
func (r *Registry) Watch(keys ...string) *Watcher {
	w := &Watcher{
		registry: r,
		keys:     keys,
		C:        make(chan []any, 1),
	}

	r.mutex.Lock()
	for _, name := range keys {
		set, ok := r.watchers[name]
		if !ok {
			set = make(map[*Watcher]struct{})
			r.watchers[name] = set
		}
		set[w] = struct{}{}
	}
	values := r.valuesLocked(w.keys)
	r.mutex.Unlock()

	w.C <- values
	return w
}

// deliver replaces any pending tuple without blocking.  A racing
// deliver can refill the channel between the drain and the send, so
// keep retrying until a send lands; whichever racer sends last wins.
func (w *Watcher) deliver(values []any) {
	for {
		select {
		case w.C <- values:
			return
		default:
		}
		select {
		case <-w.C:
		default:
		}
	}
}

// Close detaches the watcher from the registry.
func (w *Watcher) Close() {
	r := w.registry
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for _, name := range w.keys {
		set, ok := r.watchers[name]
		if !ok {
			continue
		}
		delete(set, w)
		if len(set) == 0 {
			delete(r.watchers, name)
		}
	}
}

func (r *Registry) valuesLocked(keys []string) []any {
	values := make([]any, len(keys))
	for i, name := range keys {
		values[i], _, _ = r.getLocked(name)
	}
	return values
}

func (r *Registry) collectWatchers(into map[*Watcher]struct{}, key string) {
	for w := range r.watchers[key] {
		into[w] = struct{}{}
	}
}

func (r *Registry) notify(watchers map[*Watcher]struct{}) {
	for w := range watchers {
		r.mutex.Lock()
		values := r.valuesLocked(w.keys)
		r.mutex.Unlock()

		w.deliver(values)
	}
}
