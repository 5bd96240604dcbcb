// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package loop

import (
	"errors"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/flowlens/capturecore/intra/conntrack"
	"github.com/flowlens/capturecore/intra/core"
)

var errUnsupportedProto = errors.New("loop: unsupported l4 proto")

// icmpv6Proto is IPv6's next-header number for ICMPv6 (58); IPv4's ICMP
// is already 1, matching core.ICMP, so only v6 needs folding into the
// single ICMP category spec §3's 5-tuple names.
const icmpv6Proto = 58

// normalizeProto folds both ICMPv4 (1) and ICMPv6 (58) into core.ICMP, so
// Tuple.Proto only ever takes the three values spec §3 defines.
func normalizeProto(raw uint8) core.L4Proto {
	if raw == icmpv6Proto {
		return core.ICMP
	}
	return core.L4Proto(raw)
}

// parsed is what parseTuple extracts from one raw tun-side packet.
type parsed struct {
	tuple       conntrack.Tuple
	payload     []byte // L4 payload (DNS/HTTP/TLS bytes), may be empty
	synNoAck    bool   // TCP SYN without ACK: a fresh outbound handshake
}

// parseTuple decodes pkt (a raw IP packet read from tun) into its 5-tuple
// and L4 payload, spec §4.7 step 3.
func parseTuple(pkt []byte) (parsed, error) {
	var ipVer uint8
	var srcIP, dstIP netip.Addr
	var proto core.L4Proto
	var l4 gopacket.LayerType
	var rest []byte

	if len(pkt) < 1 {
		return parsed{}, errors.New("loop: empty packet")
	}

	switch pkt[0] >> 4 {
	case 4:
		var ip4 layers.IPv4
		if err := ip4.DecodeFromBytes(pkt, gopacket.NilDecodeFeedback); err != nil {
			return parsed{}, err
		}
		ipVer = 4
		srcIP, _ = netip.AddrFromSlice(ip4.SrcIP.To4())
		dstIP, _ = netip.AddrFromSlice(ip4.DstIP.To4())
		proto = normalizeProto(uint8(ip4.Protocol))
		l4 = ip4.NextLayerType()
		rest = ip4.Payload
	case 6:
		var ip6 layers.IPv6
		if err := ip6.DecodeFromBytes(pkt, gopacket.NilDecodeFeedback); err != nil {
			return parsed{}, err
		}
		ipVer = 6
		srcIP, _ = netip.AddrFromSlice(ip6.SrcIP.To16())
		dstIP, _ = netip.AddrFromSlice(ip6.DstIP.To16())
		proto = normalizeProto(uint8(ip6.NextHeader))
		l4 = ip6.NextLayerType()
		rest = ip6.Payload
	default:
		return parsed{}, errors.New("loop: not an IP packet")
	}

	var srcPort, dstPort uint16
	var synNoAck bool
	var payload []byte

	switch proto {
	case core.TCP:
		var tcp layers.TCP
		if err := tcp.DecodeFromBytes(rest, gopacket.NilDecodeFeedback); err != nil {
			return parsed{}, err
		}
		srcPort, dstPort = uint16(tcp.SrcPort), uint16(tcp.DstPort)
		synNoAck = tcp.SYN && !tcp.ACK
		payload = tcp.Payload
	case core.UDP:
		var udp layers.UDP
		if err := udp.DecodeFromBytes(rest, gopacket.NilDecodeFeedback); err != nil {
			return parsed{}, err
		}
		srcPort, dstPort = uint16(udp.SrcPort), uint16(udp.DstPort)
		payload = udp.Payload
	case core.ICMP:
		// ICMP has no ports; spec §3's 5-tuple still names src_port/dst_port,
		// so both are fixed at 0 here (the echo identifier isn't threaded
		// through, since this spec never needs to correlate request/reply
		// pairs the way a NAT table does).
		if ipVer == 6 {
			var icmp6 layers.ICMPv6
			if err := icmp6.DecodeFromBytes(rest, gopacket.NilDecodeFeedback); err != nil {
				return parsed{}, err
			}
			payload = icmp6.Payload
		} else {
			var icmp4 layers.ICMPv4
			if err := icmp4.DecodeFromBytes(rest, gopacket.NilDecodeFeedback); err != nil {
				return parsed{}, err
			}
			payload = icmp4.Payload
		}
		srcPort, dstPort = 0, 0
	default:
		_ = l4
		return parsed{}, errUnsupportedProto
	}

	t := conntrack.Tuple{
		IPVer: ipVer,
		Proto: proto,
		Src:   netip.AddrPortFrom(srcIP, srcPort),
		Dst:   netip.AddrPortFrom(dstIP, dstPort),
	}
	return parsed{tuple: t, payload: payload, synNoAck: synNoAck}, nil
}
