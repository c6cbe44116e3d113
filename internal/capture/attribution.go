// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package capture

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"grimm.is/appwarden/internal/logging"
)

// ProcIndex resolves uids to application identities by scanning the local
// process table. Results are cached and refreshed at most once per
// refresh interval; a lookup miss never fails the pipeline, callers fall
// back to the UnknownApp placeholder.
type ProcIndex struct {
	mu          sync.Mutex
	cache       map[uint32]AppIdentity
	lastRefresh time.Time
	refreshMin  time.Duration
	logger      *logging.Logger

	// test seam
	scan func() (map[uint32]AppIdentity, error)
}

// NewProcIndex creates a process-table backed package index.
func NewProcIndex(refreshMin time.Duration, logger *logging.Logger) *ProcIndex {
	if refreshMin <= 0 {
		refreshMin = 10 * time.Second
	}
	if logger == nil {
		logger = logging.WithComponent("attribution")
	}
	idx := &ProcIndex{
		cache:      make(map[uint32]AppIdentity),
		refreshMin: refreshMin,
		logger:     logger,
	}
	idx.scan = idx.scanProcesses
	return idx
}

// Lookup resolves a uid, refreshing the cache on a miss (rate-limited).
func (idx *ProcIndex) Lookup(uid uint32) (AppIdentity, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if id, ok := idx.cache[uid]; ok {
		return id, true
	}
	if time.Since(idx.lastRefresh) < idx.refreshMin {
		return AppIdentity{}, false
	}
	idx.lastRefresh = time.Now()

	fresh, err := idx.scan()
	if err != nil {
		idx.logger.WithError(err).Debug("Process table scan failed")
		return AppIdentity{}, false
	}
	for k, v := range fresh {
		idx.cache[k] = v
	}
	id, ok := idx.cache[uid]
	return id, ok
}

func (idx *ProcIndex) scanProcesses() (map[uint32]AppIdentity, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}
	out := make(map[uint32]AppIdentity, len(procs))
	for _, p := range procs {
		uids, err := p.Uids()
		if err != nil || len(uids) == 0 {
			continue
		}
		name, err := p.Name()
		if err != nil || name == "" {
			continue
		}
		uid := uint32(uids[0])
		// First process wins for a uid; system uids sit below 1000.
		if _, seen := out[uid]; seen {
			continue
		}
		out[uid] = AppIdentity{
			Package: name,
			Name:    name,
			System:  uid < 1000,
		}
	}
	return out, nil
}

// StaticIndex is a fixed uid map, used by tests and simulations.
type StaticIndex map[uint32]AppIdentity

// Lookup implements PackageIndex.
func (m StaticIndex) Lookup(uid uint32) (AppIdentity, bool) {
	id, ok := m[uid]
	return id, ok
}
