// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package capture

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/miekg/dns"

	"grimm.is/appwarden/internal/store"
)

// Pairing is one resolved IP from an observed DNS answer.
type Pairing struct {
	Domain     string
	IP         string
	TTL        time.Duration
	ObservedAt time.Time
}

// DNSTable pairs remote IPs with previously observed DNS answers. The
// interception point only sees what the device itself asked, so pairing is
// by IP match within the answer's validity window, never live resolution.
type DNSTable struct {
	mu          sync.Mutex
	byIP        map[string]pairingEntry
	maxValidity time.Duration
}

type pairingEntry struct {
	domain  string
	expires time.Time
}

// NewDNSTable creates a pairing table. Validity is the answer TTL capped by
// maxValidity.
func NewDNSTable(maxValidity time.Duration) *DNSTable {
	if maxValidity <= 0 {
		maxValidity = 5 * time.Minute
	}
	return &DNSTable{
		byIP:        make(map[string]pairingEntry),
		maxValidity: maxValidity,
	}
}

// Observe decodes a raw DNS message and records every A/AAAA answer.
// Malformed messages and non-responses yield no pairings and no error:
// the pipeline counts them and moves on.
func (t *DNSTable) Observe(payload []byte, at time.Time) ([]Pairing, bool) {
	msg := new(dns.Msg)
	if err := msg.Unpack(payload); err != nil {
		return nil, false
	}
	if !msg.Response {
		return nil, true
	}

	var pairings []Pairing
	for _, rr := range msg.Answer {
		var ip string
		switch a := rr.(type) {
		case *dns.A:
			ip = a.A.String()
		case *dns.AAAA:
			ip = a.AAAA.String()
		default:
			continue
		}
		ttl := time.Duration(rr.Header().Ttl) * time.Second
		if ttl <= 0 || ttl > t.maxValidity {
			ttl = t.maxValidity
		}
		p := Pairing{
			Domain:     strings.TrimSuffix(rr.Header().Name, "."),
			IP:         ip,
			TTL:        ttl,
			ObservedAt: at,
		}
		pairings = append(pairings, p)

		t.mu.Lock()
		t.byIP[ip] = pairingEntry{domain: p.Domain, expires: at.Add(ttl)}
		t.mu.Unlock()
	}
	return pairings, true
}

// Resolve returns the paired domain for an IP if the pairing is still
// within its validity window, or "".
func (t *DNSTable) Resolve(ip string, at time.Time) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byIP[ip]
	if !ok {
		return ""
	}
	if at.After(e.expires) {
		delete(t.byIP, ip)
		return ""
	}
	return e.domain
}

// Prune drops expired pairings.
func (t *DNSTable) Prune(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for ip, e := range t.byIP {
		if at.After(e.expires) {
			delete(t.byIP, ip)
		}
	}
}

// ingestItem converts a pairing into its dns_queries row.
func (p Pairing) ingestItem() store.IngestItem {
	return store.IngestItem{DNS: &store.DNSIngest{
		QueryID:    uuid.NewString(),
		Domain:     p.Domain,
		ResolvedIP: p.IP,
		TTL:        p.TTL,
		CreatedAt:  p.ObservedAt,
	}}
}
