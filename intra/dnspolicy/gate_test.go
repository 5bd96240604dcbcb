// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package dnspolicy

import (
	"net/netip"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"github.com/flowlens/capturecore/intra/core"
)

func dnsQuery(name string) []byte {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)
	b, err := m.Pack()
	if err != nil {
		panic(err)
	}
	return b
}

func TestS1InternalDNSQueryAllowedAndDNATed(t *testing.T) {
	tunDNS4 := netip.MustParseAddr("10.215.0.1")
	extDNS := netip.MustParseAddrPort("8.8.8.8:53")
	g := New(tunDNS4, extDNS, netip.Addr{})

	dst := netip.AddrPortFrom(tunDNS4, 53)
	decision, dnatTo := g.Evaluate(core.UDP, dst, dnsQuery("example.com"))

	require.Equal(t, AllowDNAT, decision)
	require.Equal(t, extDNS, dnatTo)
	require.Equal(t, uint64(1), g.Requests())
}

func TestS2NonDNSDestinationAllowedUnconditionally(t *testing.T) {
	tunDNS4 := netip.MustParseAddr("10.215.0.1")
	g := New(tunDNS4, netip.MustParseAddrPort("8.8.8.8:53"), netip.Addr{})

	dst := netip.MustParseAddrPort("10.215.0.1:12345")
	decision, _ := g.Evaluate(core.UDP, dst, nil)

	require.Equal(t, Allow, decision)
	require.Equal(t, uint64(0), g.Requests())
}

func TestS3DoTToKnownDNSBlocked(t *testing.T) {
	tunDNS4 := netip.MustParseAddr("10.215.0.1")
	g := New(tunDNS4, netip.MustParseAddrPort("8.8.8.8:53"), netip.Addr{})

	dst := netip.MustParseAddrPort("1.1.1.1:853")
	decision, _ := g.Evaluate(core.TCP, dst, nil)

	require.Equal(t, Block, decision)
	require.Equal(t, uint64(0), g.Requests())
}

func TestDNSResponseToDNSServerBlocked(t *testing.T) {
	tunDNS4 := netip.MustParseAddr("10.215.0.1")
	g := New(tunDNS4, netip.MustParseAddrPort("8.8.8.8:53"), netip.Addr{})

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn("example.com"), dns.TypeA)
	m.Response = true
	b, err := m.Pack()
	require.NoError(t, err)

	dst := netip.AddrPortFrom(tunDNS4, 53)
	decision, _ := g.Evaluate(core.UDP, dst, b)
	require.Equal(t, Block, decision)
}

func TestSetDNSServerInstallsOnNextEvaluate(t *testing.T) {
	tunDNS4 := netip.MustParseAddr("10.215.0.1")
	g := New(tunDNS4, netip.MustParseAddrPort("8.8.8.8:53"), netip.Addr{})

	newExt := netip.MustParseAddrPort("1.1.1.1:53")
	g.SetDNSServer(newExt)

	dst := netip.AddrPortFrom(tunDNS4, 53)
	decision, dnatTo := g.Evaluate(core.UDP, dst, dnsQuery("example.com"))

	require.Equal(t, AllowDNAT, decision)
	require.Equal(t, newExt, dnatTo)
}
