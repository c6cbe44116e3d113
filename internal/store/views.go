// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package store

// QueryFunc evaluates a view against the store. It must only read.
type QueryFunc func(s *Store) (any, error)

// Subscription is a continuously-updating view over a store query.
// Updates carries a fresh result after every commit; a slow consumer only
// ever lags by one result (stale results are replaced, never queued).
type Subscription struct {
	id    int
	name  string
	query QueryFunc
	ch    chan any
	store *Store
}

// Updates returns the stream of re-evaluated results.
func (sub *Subscription) Updates() <-chan any {
	return sub.ch
}

// Close releases the subscription immediately.
func (sub *Subscription) Close() {
	sub.store.unsubscribe(sub.id)
}

// Subscribe registers a reactive view. It returns the initial result and a
// subscription whose channel emits a new result after every commit that
// completed since the last emission.
func (s *Store) Subscribe(name string, query QueryFunc) (any, *Subscription, error) {
	initial, err := query(s)
	if err != nil {
		return nil, nil, err
	}

	sub := &Subscription{
		name:  name,
		query: query,
		ch:    make(chan any, 1),
		store: s,
	}

	s.subMu.Lock()
	s.nextID++
	sub.id = s.nextID
	s.subs[sub.id] = sub
	s.subMu.Unlock()

	return initial, sub, nil
}

func (s *Store) unsubscribe(id int) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if sub, ok := s.subs[id]; ok {
		close(sub.ch)
		delete(s.subs, id)
	}
}

// notify re-evaluates every view after a commit. Results are only ever
// computed from committed state: notify runs after the transaction ends.
// Holding subMu across the loop keeps emit and Close from racing.
func (s *Store) notify() {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for _, sub := range s.subs {
		result, err := sub.query(s)
		if err != nil {
			s.logger.WithError(err).Warn("Reactive view re-evaluation failed", "view", sub.name)
			continue
		}
		sub.emit(result)
	}
}

// emit delivers a result, replacing an unconsumed stale one.
func (sub *Subscription) emit(result any) {
	for {
		select {
		case sub.ch <- result:
			return
		default:
		}
		select {
		case <-sub.ch:
		default:
		}
	}
}
