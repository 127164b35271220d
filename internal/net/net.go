// Package net implements SlopOS's network stack: an Ethernet/ARP/IPv4
// device-level layer plus UDP and TCP socket state machines, all wired
// through github.com/google/gopacket's layers package for wire-format
// encode/decode rather than hand-rolled header packing. Stack.Receive
// decodes Ethernet II frames off the device the way a capture loop
// decodes link-layer frames; internal/hashtable backs the TCP
// connection table (listening ports live in a plain map), the same
// lock-free-read bucket design internal/ufs's inode cache uses.
package net

import (
	stdnet "net"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/slopos/slopos/internal/defs"
)

// Device is the virtio-net-shaped transmit/receive contract a Stack
// drives: one raw Ethernet frame per Send; received frames are handed
// to Stack.Receive, one raw Ethernet frame per call.
type Device interface {
	Send(frame []byte) error
	MTU() int
}

// Stack owns one network device: address configuration, the ARP cache,
// and the UDP/TCP layers built on top of IPv4 delivery.
type Stack struct {
	dev     Device
	mac     MAC
	ip      [4]byte
	netmask [4]byte
	gateway [4]byte

	arp *ARPCache
	udp *udpLayer
	tcp *tcpLayer

	mu      sync.Mutex
	closed  bool
}

// MAC is a 6-byte hardware address.
type MAC [6]byte

func (m MAC) hw() stdnet.HardwareAddr { return stdnet.HardwareAddr(m[:]) }

// BroadcastMAC is ff:ff:ff:ff:ff:ff.
var BroadcastMAC = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// NewStack creates a stack bound to dev with the given link address and
// IPv4 configuration.
func NewStack(dev Device, mac MAC, ip, netmask, gateway [4]byte) *Stack {
	s := &Stack{
		dev:     dev,
		mac:     mac,
		ip:      ip,
		netmask: netmask,
		gateway: gateway,
		arp:     newARPCache(),
	}
	s.udp = newUDPLayer(s)
	s.tcp = newTCPLayer(s)
	return s
}

// IP returns the stack's configured IPv4 address.
func (s *Stack) IP() [4]byte { return s.ip }

func sameSubnet(a, b, mask [4]byte) bool {
	for i := 0; i < 4; i++ {
		if a[i]&mask[i] != b[i]&mask[i] {
			return false
		}
	}
	return true
}

// nextHop resolves the IPv4 address a frame destined for dst should be
// ARP-resolved against: dst itself if on-link, the gateway otherwise.
func (s *Stack) nextHop(dst [4]byte) [4]byte {
	if sameSubnet(dst, s.ip, s.netmask) {
		return dst
	}
	return s.gateway
}

// Receive decodes one raw Ethernet frame off the device and dispatches
// it to ARP or IPv4 handling.
func (s *Stack) Receive(frame []byte) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	if errLayer := pkt.ErrorLayer(); errLayer != nil {
		return
	}
	if arpLayer := pkt.Layer(layers.LayerTypeARP); arpLayer != nil {
		s.handleARP(arpLayer.(*layers.ARP))
		return
	}
	if ipLayer := pkt.Layer(layers.LayerTypeIPv4); ipLayer != nil {
		ip := ipLayer.(*layers.IPv4)
		s.arp.learn(ipv4ToArr(ip.SrcIP), macFromLayer(pkt))
		switch ip.Protocol {
		case layers.IPProtocolUDP:
			if udpLayer := pkt.Layer(layers.LayerTypeUDP); udpLayer != nil {
				s.udp.handle(ip, udpLayer.(*layers.UDP))
			}
		case layers.IPProtocolTCP:
			if tcpLayer := pkt.Layer(layers.LayerTypeTCP); tcpLayer != nil {
				s.tcp.handle(ip, tcpLayer.(*layers.TCP))
			}
		}
	}
}

func macFromLayer(pkt gopacket.Packet) MAC {
	var m MAC
	if eth := pkt.Layer(layers.LayerTypeEthernet); eth != nil {
		copy(m[:], eth.(*layers.Ethernet).SrcMAC)
	}
	return m
}

func ipv4ToArr(ip stdnet.IP) [4]byte {
	var a [4]byte
	copy(a[:], ip.To4())
	return a
}

// sendIPv4 ARP-resolves next, wraps payload in Ethernet/IPv4 headers and
// transmits via the device. proto names the carried transport protocol.
func (s *Stack) sendIPv4(dst [4]byte, proto layers.IPProtocol, payload gopacket.SerializableLayer, payloadData []byte) error {
	next := s.nextHop(dst)
	dstMAC, ok := s.arp.lookup(next)
	if !ok && next == s.ip {
		// Traffic to the stack's own address needs no ARP round trip.
		dstMAC, ok = s.mac, true
	}
	if !ok {
		s.sendARPRequest(next)
		return errNoRoute
	}
	eth := &layers.Ethernet{SrcMAC: s.mac.hw(), DstMAC: dstMAC.hw(), EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: proto,
		SrcIP:    s.ip[:],
		DstIP:    dst[:],
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if tcpSeg, ok := payload.(*layers.TCP); ok {
		tcpSeg.SetNetworkLayerForChecksum(ip)
	}
	if udpSeg, ok := payload.(*layers.UDP); ok {
		udpSeg.SetNetworkLayerForChecksum(ip)
	}
	layersToSerialize := []gopacket.SerializableLayer{eth, ip, payload}
	if payloadData != nil {
		layersToSerialize = append(layersToSerialize, gopacket.Payload(payloadData))
	}
	if err := gopacket.SerializeLayers(buf, opts, layersToSerialize...); err != nil {
		return err
	}
	return s.dev.Send(buf.Bytes())
}

var errNoRoute = netErr{"arp resolution pending"}

type netErr struct{ msg string }

func (e netErr) Error() string { return e.msg }

// ARPCache maps IPv4 addresses to hardware addresses, each entry valid
// for arpTTL from the moment it was learned.
type ARPCache struct {
	mu      sync.Mutex
	entries map[[4]byte]arpEntry
}

type arpEntry struct {
	mac      MAC
	deadline time.Time
}

const arpTTL = 60 * time.Second

func newARPCache() *ARPCache {
	return &ARPCache{entries: make(map[[4]byte]arpEntry)}
}

func (c *ARPCache) learn(ip [4]byte, mac MAC) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[ip] = arpEntry{mac: mac, deadline: time.Now().Add(arpTTL)}
}

func (c *ARPCache) lookup(ip [4]byte) (MAC, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[ip]
	if !ok || time.Now().After(e.deadline) {
		return MAC{}, false
	}
	return e.mac, true
}

func (s *Stack) handleARP(a *layers.ARP) {
	var srcIP, dstIP [4]byte
	copy(srcIP[:], a.SourceProtAddress)
	copy(dstIP[:], a.DstProtAddress)
	var srcMAC MAC
	copy(srcMAC[:], a.SourceHwAddress)
	s.arp.learn(srcIP, srcMAC)

	if a.Operation == layers.ARPRequest && dstIP == s.ip {
		s.sendARPReply(srcIP, srcMAC)
	}
}

func (s *Stack) sendARPRequest(target [4]byte) {
	eth := &layers.Ethernet{SrcMAC: s.mac.hw(), DstMAC: BroadcastMAC.hw(), EthernetType: layers.EthernetTypeARP}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   s.mac[:],
		SourceProtAddress: s.ip[:],
		DstHwAddress:      []byte{0, 0, 0, 0, 0, 0},
		DstProtAddress:    target[:],
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, arp); err == nil {
		s.dev.Send(buf.Bytes())
	}
}

func (s *Stack) sendARPReply(target [4]byte, targetMAC MAC) {
	eth := &layers.Ethernet{SrcMAC: s.mac.hw(), DstMAC: targetMAC.hw(), EthernetType: layers.EthernetTypeARP}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPReply,
		SourceHwAddress:   s.mac[:],
		SourceProtAddress: s.ip[:],
		DstHwAddress:      targetMAC[:],
		DstProtAddress:    target[:],
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, arp); err == nil {
		s.dev.Send(buf.Bytes())
	}
}

// err renames a defs.Err_t for socket-layer return paths that need to
// return both byte counts and an error code, matching every other
// subsystem's (int, defs.Err_t) convention.
type err = defs.Err_t
