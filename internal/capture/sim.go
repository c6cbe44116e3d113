// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package capture

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// packDNSAnswer builds a raw DNS response resolving domain to ip.
func packDNSAnswer(domain, ip string, ttl uint32) []byte {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), dns.TypeA)
	msg.Response = true
	msg.Answer = append(msg.Answer, &dns.A{
		Hdr: dns.RR_Header{
			Name:   dns.Fqdn(domain),
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		A: net.ParseIP(ip),
	})
	payload, err := msg.Pack()
	if err != nil {
		return nil
	}
	return payload
}

// FakeSource is an in-memory Source driven by tests and simulations.
type FakeSource struct {
	ch        chan RawEvent
	closeOnce sync.Once
}

// NewFakeSource creates a fake source with the given buffer.
func NewFakeSource(buffer int) *FakeSource {
	return &FakeSource{ch: make(chan RawEvent, buffer)}
}

// Emit injects one event.
func (f *FakeSource) Emit(ev RawEvent) { f.ch <- ev }

// Events implements Source.
func (f *FakeSource) Events() <-chan RawEvent { return f.ch }

// Close implements Source.
func (f *FakeSource) Close() error {
	f.closeOnce.Do(func() { close(f.ch) })
	return nil
}

// SimProfile describes one synthetic application for the simulator.
type SimProfile struct {
	UID     uint32
	Domains []string
	Ports   []int
}

// SimSource generates plausible synthetic traffic for the given profiles.
// It exists so the full pipeline can run without an intercepting interface.
type SimSource struct {
	events    chan RawEvent
	done      chan struct{}
	closeOnce sync.Once
}

// NewSimSource starts a simulator emitting one session burst per profile
// per interval.
func NewSimSource(profiles []SimProfile, interval time.Duration) *SimSource {
	if interval <= 0 {
		interval = time.Second
	}
	s := &SimSource{
		events: make(chan RawEvent, 256),
		done:   make(chan struct{}),
	}
	go s.run(profiles, interval)
	return s
}

func (s *SimSource) run(profiles []SimProfile, interval time.Duration) {
	defer close(s.events)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			for _, prof := range profiles {
				if len(prof.Ports) == 0 {
					continue
				}
				ip := fmt.Sprintf("203.0.113.%d", rng.Intn(250)+1)
				port := prof.Ports[rng.Intn(len(prof.Ports))]

				// Announce the domain the session will be paired with.
				if len(prof.Domains) > 0 {
					domain := prof.Domains[rng.Intn(len(prof.Domains))]
					if payload := packDNSAnswer(domain, ip, 300); payload != nil {
						select {
						case s.events <- RawEvent{
							Kind:       EventDNS,
							Time:       now,
							UID:        prof.UID,
							RemoteIP:   "203.0.113.53",
							RemotePort: 53,
							Protocol:   "udp",
							DNSPayload: payload,
						}:
						case <-s.done:
							return
						}
					}
				}

				base := RawEvent{
					Time:       now,
					UID:        prof.UID,
					RemoteIP:   ip,
					RemotePort: port,
					Protocol:   "tcp",
				}

				open := base
				open.Kind = EventOpen
				data := base
				data.Kind = EventData
				data.BytesSent = int64(rng.Intn(4096))
				data.BytesRecv = int64(rng.Intn(65536))
				cl := base
				cl.Kind = EventClose

				for _, ev := range []RawEvent{open, data, cl} {
					select {
					case s.events <- ev:
					case <-s.done:
						return
					}
				}
			}
		}
	}
}

// Events implements Source.
func (s *SimSource) Events() <-chan RawEvent { return s.events }

// Close implements Source.
func (s *SimSource) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
