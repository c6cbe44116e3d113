// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package capture

import (
	"net"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	gnet "github.com/shirou/gopsutil/v3/net"

	"grimm.is/appwarden/internal/errors"
	"grimm.is/appwarden/internal/logging"
)

// PcapConfig tunes the live capture source.
type PcapConfig struct {
	Interface      string
	SnapLen        int32
	UDPIdleTimeout time.Duration
	TCPIdleTimeout time.Duration
}

// uidUnknown marks a socket-table miss. It must never collide with a real
// uid (0 is root), so lookups on it fall through to the UnknownApp
// placeholder instead of whatever root process is cached.
const uidUnknown = ^uint32(0)

// PcapSource observes the intercepting interface with libpcap and
// synthesizes open/data/close events from the packet stream. TCP flows
// open on SYN and close exactly once, on the first FIN or RST seen for
// the flow or after an idle timeout; UDP flows open on first packet and
// close after an idle timeout. Socket uids come from the kernel socket
// table, looked up by local port.
type PcapSource struct {
	handle *pcap.Handle
	events chan RawEvent
	logger *logging.Logger
	cfg    PcapConfig

	localIPs map[string]bool

	uidMu       sync.Mutex
	uidCache    map[portKey]uint32
	uidRefresh  time.Time
	socketTable func() ([]gnet.ConnectionStat, error)

	flowMu   sync.Mutex
	udpFlows map[flowKey]*flowState
	tcpFlows map[flowKey]*flowState

	closeOnce sync.Once
	done      chan struct{}
}

type portKey struct {
	proto     string
	localPort int
}

// flowKey identifies a flow by its ports and remote address. The uid lives
// in flowState: it is pinned at open time so continuation and teardown
// events stay attributed to the same session even after the kernel drops
// the socket entry.
type flowKey struct {
	localPort  int
	remoteIP   string
	remotePort int
}

type flowState struct {
	uid      uint32
	lastSeen time.Time
}

// OpenPcap opens a live capture on the intercepting interface.
func OpenPcap(cfg PcapConfig, logger *logging.Logger) (*PcapSource, error) {
	if cfg.SnapLen <= 0 {
		cfg.SnapLen = 65536
	}
	if cfg.UDPIdleTimeout <= 0 {
		cfg.UDPIdleTimeout = 30 * time.Second
	}
	if cfg.TCPIdleTimeout <= 0 {
		cfg.TCPIdleTimeout = 15 * time.Minute
	}
	if logger == nil {
		logger = logging.WithComponent("pcap")
	}

	handle, err := pcap.OpenLive(cfg.Interface, cfg.SnapLen, false, pcap.BlockForever)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindUnavailable, "open capture on %s", cfg.Interface)
	}

	localIPs, err := interfaceIPs(cfg.Interface)
	if err != nil {
		handle.Close()
		return nil, err
	}

	s := &PcapSource{
		handle:      handle,
		events:      make(chan RawEvent, 1024),
		logger:      logger,
		cfg:         cfg,
		localIPs:    localIPs,
		uidCache:    make(map[portKey]uint32),
		socketTable: func() ([]gnet.ConnectionStat, error) { return gnet.Connections("inet") },
		udpFlows:    make(map[flowKey]*flowState),
		tcpFlows:    make(map[flowKey]*flowState),
		done:        make(chan struct{}),
	}

	go s.loop()
	go s.expireIdle()
	return s, nil
}

// Events implements Source.
func (s *PcapSource) Events() <-chan RawEvent { return s.events }

// Close releases the interception point.
func (s *PcapSource) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.handle.Close()
	})
	return nil
}

func (s *PcapSource) loop() {
	defer close(s.events)
	src := gopacket.NewPacketSource(s.handle, s.handle.LinkType())
	for packet := range src.Packets() {
		select {
		case <-s.done:
			return
		default:
		}
		s.decode(packet)
	}
}

func (s *PcapSource) decode(packet gopacket.Packet) {
	netLayer := packet.NetworkLayer()
	if netLayer == nil {
		return
	}
	srcIP, dstIP := netLayer.NetworkFlow().Endpoints()
	outbound := s.localIPs[srcIP.String()]
	remoteIP := dstIP.String()
	if !outbound {
		remoteIP = srcIP.String()
	}
	now := time.Now()

	if tcp, ok := packet.TransportLayer().(*layers.TCP); ok {
		localPort, remotePort := int(tcp.SrcPort), int(tcp.DstPort)
		if !outbound {
			localPort, remotePort = remotePort, localPort
		}
		uid := s.resolveUID("tcp", localPort)
		key := flowKey{localPort: localPort, remoteIP: remoteIP, remotePort: remotePort}

		ev := RawEvent{
			Time:       now,
			RemoteIP:   remoteIP,
			RemotePort: remotePort,
			Protocol:   "tcp",
		}
		payload := int64(len(tcp.Payload))
		if outbound {
			ev.BytesSent = payload
		} else {
			ev.BytesRecv = payload
		}

		switch {
		case tcp.SYN && !tcp.ACK:
			s.flowMu.Lock()
			s.tcpFlows[key] = &flowState{uid: uid, lastSeen: now}
			s.flowMu.Unlock()
			ev.Kind = EventOpen

		case tcp.FIN || tcp.RST:
			// A graceful teardown carries a FIN from each peer, often
			// followed by an RST. Only the first one closes the flow;
			// the rest are echoes of a teardown already emitted.
			s.flowMu.Lock()
			flow, known := s.tcpFlows[key]
			delete(s.tcpFlows, key)
			s.flowMu.Unlock()
			if !known {
				return
			}
			uid = flow.uid
			ev.Kind = EventClose

		default:
			if payload == 0 {
				return
			}
			s.flowMu.Lock()
			if flow, known := s.tcpFlows[key]; known {
				flow.lastSeen = now
				uid = flow.uid
			}
			s.flowMu.Unlock()
			ev.Kind = EventData
		}

		ev.UID = uid
		s.emit(ev)
		return
	}

	if udp, ok := packet.TransportLayer().(*layers.UDP); ok {
		localPort, remotePort := int(udp.SrcPort), int(udp.DstPort)
		if !outbound {
			localPort, remotePort = remotePort, localPort
		}
		uid := s.resolveUID("udp", localPort)

		// DNS pairing sees both queries and responses on port 53.
		if remotePort == 53 || localPort == 53 {
			s.emit(RawEvent{
				Kind:       EventDNS,
				Time:       now,
				UID:        uid,
				RemoteIP:   remoteIP,
				RemotePort: remotePort,
				Protocol:   "udp",
				DNSPayload: append([]byte(nil), udp.Payload...),
			})
			return
		}

		ev := RawEvent{
			Time:       now,
			UID:        uid,
			RemoteIP:   remoteIP,
			RemotePort: remotePort,
			Protocol:   "udp",
		}
		payload := int64(len(udp.Payload))
		if outbound {
			ev.BytesSent = payload
		} else {
			ev.BytesRecv = payload
		}

		key := flowKey{localPort: localPort, remoteIP: remoteIP, remotePort: remotePort}
		s.flowMu.Lock()
		flow, known := s.udpFlows[key]
		if !known {
			s.udpFlows[key] = &flowState{uid: uid, lastSeen: now}
		} else {
			flow.lastSeen = now
			ev.UID = flow.uid
		}
		s.flowMu.Unlock()

		if !known {
			open := ev
			open.Kind = EventOpen
			open.BytesSent, open.BytesRecv = 0, 0
			s.emit(open)
		}
		ev.Kind = EventData
		s.emit(ev)
	}
}

// expireIdle synthesizes close events for idle flows: UDP flows that went
// quiet, and TCP flows whose teardown the capture never saw.
func (s *PcapSource) expireIdle() {
	ticker := time.NewTicker(s.cfg.UDPIdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.sweepIdle(now)
		}
	}
}

func (s *PcapSource) sweepIdle(now time.Time) {
	type expired struct {
		key   flowKey
		uid   uint32
		proto string
	}
	var closes []expired

	s.flowMu.Lock()
	for key, flow := range s.udpFlows {
		if now.Sub(flow.lastSeen) >= s.cfg.UDPIdleTimeout {
			delete(s.udpFlows, key)
			closes = append(closes, expired{key: key, uid: flow.uid, proto: "udp"})
		}
	}
	for key, flow := range s.tcpFlows {
		if now.Sub(flow.lastSeen) >= s.cfg.TCPIdleTimeout {
			delete(s.tcpFlows, key)
			closes = append(closes, expired{key: key, uid: flow.uid, proto: "tcp"})
		}
	}
	s.flowMu.Unlock()

	for _, e := range closes {
		s.emit(RawEvent{
			Kind:       EventClose,
			Time:       now,
			UID:        e.uid,
			RemoteIP:   e.key.remoteIP,
			RemotePort: e.key.remotePort,
			Protocol:   e.proto,
		})
	}
}

func (s *PcapSource) emit(ev RawEvent) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// resolveUID maps a local port to the owning socket's uid via the kernel
// socket table, cached and refreshed at most once per second.
func (s *PcapSource) resolveUID(proto string, localPort int) uint32 {
	key := portKey{proto: proto, localPort: localPort}

	s.uidMu.Lock()
	defer s.uidMu.Unlock()
	if uid, ok := s.uidCache[key]; ok {
		return uid
	}
	if time.Since(s.uidRefresh) < time.Second {
		return uidUnknown
	}
	s.uidRefresh = time.Now()

	conns, err := s.socketTable()
	if err != nil {
		s.logger.WithError(err).Debug("Socket table read failed")
		return uidUnknown
	}
	// Rebuild rather than merge; local ports get reused.
	s.uidCache = make(map[portKey]uint32, len(conns))
	for _, c := range conns {
		if len(c.Uids) == 0 {
			continue
		}
		p := "tcp"
		if c.Type == 2 { // SOCK_DGRAM
			p = "udp"
		}
		s.uidCache[portKey{proto: p, localPort: int(c.Laddr.Port)}] = uint32(c.Uids[0])
	}
	if uid, ok := s.uidCache[key]; ok {
		return uid
	}
	return uidUnknown
}

func interfaceIPs(name string) (map[string]bool, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindNotFound, "interface %s", name)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindUnavailable, "addresses of %s", name)
	}
	ips := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok {
			ips[ipnet.IP.String()] = true
		}
	}
	return ips, nil
}
