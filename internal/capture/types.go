// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package capture converts raw transport-layer events observed on the local
// intercepting interface into attributed, storable records.
package capture

import "time"

// EventKind classifies a raw capture event.
type EventKind int

const (
	EventOpen EventKind = iota
	EventData
	EventClose
	EventDNS
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventData:
		return "data"
	case EventClose:
		return "close"
	case EventDNS:
		return "dns"
	default:
		return "unknown"
	}
}

// RawEvent is one transport-layer event from the interception point, tagged
// with the originating process's uid.
type RawEvent struct {
	Kind       EventKind
	Time       time.Time
	UID        uint32
	RemoteIP   string
	RemotePort int
	Protocol   string // "tcp" or "udp"
	BytesSent  int64
	BytesRecv  int64
	DNSPayload []byte // raw DNS message, EventDNS only
}

// Source is a stream of raw events from an interception point. The channel
// closes when the source stops; Close releases the interception point.
type Source interface {
	Events() <-chan RawEvent
	Close() error
}

// AppIdentity names an installed application.
type AppIdentity struct {
	Package string
	Name    string
	System  bool
}

// UnknownApp is the synthetic placeholder for unattributable uids; capture
// never fails the pipeline over an attribution miss.
var UnknownApp = AppIdentity{Package: "pkg.unknown", Name: "Unknown Application"}

// PackageIndex maps an OS-level uid to an installed application identity.
type PackageIndex interface {
	Lookup(uid uint32) (AppIdentity, bool)
}
