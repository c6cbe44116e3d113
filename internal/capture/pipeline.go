// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package capture

import (
	"context"
	"time"

	"grimm.is/appwarden/internal/logging"
	"grimm.is/appwarden/internal/metrics"
	"grimm.is/appwarden/internal/store"
)

// Config tunes the capture pipeline.
type Config struct {
	QueueCapacity   int
	DrainBatchSize  int
	DNSMaxValidity  time.Duration
	FlushGrace      time.Duration
	RetryBackoffMin time.Duration
	RetryBackoffMax time.Duration
	BucketWidth     time.Duration
}

// DefaultConfig returns default pipeline tuning.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:   4096,
		DrainBatchSize:  256,
		DNSMaxValidity:  5 * time.Minute,
		FlushGrace:      3 * time.Second,
		RetryBackoffMin: 100 * time.Millisecond,
		RetryBackoffMax: 5 * time.Second,
		BucketWidth:     time.Hour,
	}
}

// Pipeline drains a Source, attributes events to applications and domains,
// and hands committed batches to the store through a bounded queue. The
// capture path never blocks on storage I/O.
type Pipeline struct {
	src      Source
	index    PackageIndex
	store    *store.Store
	queue    *Queue
	dns      *DNSTable
	sessions *SessionTable
	metrics  *metrics.Metrics
	logger   *logging.Logger
	cfg      Config
}

// New creates a capture pipeline.
func New(src Source, index PackageIndex, st *store.Store, m *metrics.Metrics, logger *logging.Logger, cfg Config) *Pipeline {
	if cfg.QueueCapacity <= 0 {
		cfg = DefaultConfig()
	}
	if cfg.DNSMaxValidity <= 0 {
		cfg.DNSMaxValidity = DefaultConfig().DNSMaxValidity
	}
	if logger == nil {
		logger = logging.WithComponent("capture")
	}
	return &Pipeline{
		src:      src,
		index:    index,
		store:    st,
		queue:    NewQueue(cfg.QueueCapacity),
		dns:      NewDNSTable(cfg.DNSMaxValidity),
		sessions: NewSessionTable(),
		metrics:  m,
		logger:   logger,
		cfg:      cfg,
	}
}

// Queue exposes the handoff queue, for tests and the loss metric.
func (p *Pipeline) Queue() *Queue { return p.queue }

// Run captures until ctx is cancelled or the source closes, then flushes
// buffered events to the store best-effort within the flush grace period
// before releasing the interception point.
func (p *Pipeline) Run(ctx context.Context) error {
	drainCtx, stopDrain := context.WithCancel(context.Background())
	drainDone := make(chan struct{})
	go func() {
		defer close(drainDone)
		p.drain(drainCtx)
	}()

	p.logger.Info("Capture pipeline started", "queue_capacity", p.cfg.QueueCapacity)

	// Expired pairings are useless to Resolve; sweep them so the table
	// stays bounded by the validity window, not by uptime.
	prune := time.NewTicker(p.cfg.DNSMaxValidity)
	defer prune.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case now := <-prune.C:
			p.dns.Prune(now)
		case ev, ok := <-p.src.Events():
			if !ok {
				break loop
			}
			p.handle(ev)
		}
	}

	// Clean stop: finalize in-flight sessions, then give the drain a
	// bounded grace period to flush what is buffered.
	for _, s := range p.sessions.Flush() {
		p.enqueueSession(s)
	}
	p.logger.Info("Capture stopping, flushing queue", "depth", p.queue.Len())

	flushDeadline := time.After(p.cfg.FlushGrace)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
flush:
	for p.queue.Len() > 0 {
		select {
		case <-flushDeadline:
			break flush
		case <-ticker.C:
		}
	}
	stopDrain()
	<-drainDone

	if err := p.src.Close(); err != nil {
		p.logger.WithError(err).Warn("Failed to release capture source")
	}
	p.logger.Info("Capture pipeline stopped", "losses", p.queue.Losses())
	return nil
}

// handle processes one raw event. Anomalies are counted, never propagated.
func (p *Pipeline) handle(ev RawEvent) {
	p.metrics.EventsCaptured.Inc()

	switch ev.Kind {
	case EventOpen:
		p.sessions.Open(ev)
		p.metrics.ActiveSessions.Set(float64(p.sessions.Active()))

	case EventData:
		if !p.sessions.Data(ev) {
			p.metrics.CaptureAnomalies.WithLabelValues("orphan_data").Inc()
		}

	case EventClose:
		s := p.sessions.Close(ev)
		if s == nil {
			p.metrics.CaptureAnomalies.WithLabelValues("unmatched_close").Inc()
			return
		}
		p.metrics.ActiveSessions.Set(float64(p.sessions.Active()))
		p.enqueueSession(s)

	case EventDNS:
		pairings, ok := p.dns.Observe(ev.DNSPayload, ev.Time)
		if !ok {
			p.metrics.CaptureAnomalies.WithLabelValues("malformed").Inc()
			return
		}
		for _, pairing := range pairings {
			p.push(pairing.ingestItem())
		}

	default:
		p.metrics.CaptureAnomalies.WithLabelValues("malformed").Inc()
	}
}

// enqueueSession attributes a finalized session and queues its connection
// row. Attribution misses map to the unknown-app placeholder.
func (p *Pipeline) enqueueSession(s *Session) {
	app, ok := p.index.Lookup(s.Key.uid)
	if !ok {
		app = UnknownApp
		p.metrics.CaptureAnomalies.WithLabelValues("unknown_uid").Inc()
	}

	domain := p.dns.Resolve(s.Key.remoteIP, s.StartedAt)

	p.push(store.IngestItem{Conn: &store.ConnectionIngest{
		SessionID:  s.ID,
		Package:    app.Package,
		AppName:    app.Name,
		IsSystem:   app.System,
		DomainName: domain,
		RemoteIP:   s.Key.remoteIP,
		RemotePort: s.Key.port,
		Protocol:   s.Key.protocol,
		StartedAt:  s.StartedAt,
		BytesSent:  s.BytesSent,
		BytesRecv:  s.BytesRecv,
	}})
}

func (p *Pipeline) push(item store.IngestItem) {
	if p.queue.Push(item) {
		p.metrics.EventsDropped.Inc()
	}
	p.metrics.QueueDepth.Set(float64(p.queue.Len()))
}

// drain consumes the queue and commits batches. A failing commit is retried
// with bounded backoff; meanwhile the queue keeps absorbing (and, when
// full, shedding) new events under the backpressure policy.
func (p *Pipeline) drain(ctx context.Context) {
	backoff := p.cfg.RetryBackoffMin
	for {
		batch := p.queue.PopBatch(p.cfg.DrainBatchSize)
		if batch == nil {
			select {
			case <-ctx.Done():
				return
			case <-p.queue.Wake():
				continue
			}
		}

		for {
			err := p.store.IngestBatch(batch, p.cfg.BucketWidth)
			if err == nil {
				p.metrics.EventsCommitted.Add(float64(len(batch)))
				p.metrics.QueueDepth.Set(float64(p.queue.Len()))
				backoff = p.cfg.RetryBackoffMin
				break
			}
			p.logger.WithError(err).Warn("Store commit failed, backing off", "batch", len(batch), "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > p.cfg.RetryBackoffMax {
				backoff = p.cfg.RetryBackoffMax
			}
		}
	}
}
