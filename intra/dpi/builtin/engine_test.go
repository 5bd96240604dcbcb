// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package builtin

import (
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"github.com/flowlens/capturecore/intra/dpi"
)

func TestSniffDNSQuery(t *testing.T) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn("example.com"), dns.TypeA)
	b, err := m.Pack()
	require.NoError(t, err)

	r, ok := sniffDNS(b)
	require.True(t, ok)
	require.Equal(t, "example.com", r.Info)
	require.Nil(t, r.Answer)
}

func TestSniffDNSResponseFeedsHostLRU(t *testing.T) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn("example.com"), dns.TypeA)
	m.Response = true
	rr, err := dns.NewRR("example.com. 300 IN A 1.2.3.4")
	require.NoError(t, err)
	m.Answer = append(m.Answer, rr)
	b, err := m.Pack()
	require.NoError(t, err)

	r, ok := sniffDNS(b)
	require.True(t, ok)
	require.NotNil(t, r.Answer)
	require.True(t, r.Answer.IsV4)
	require.Equal(t, "example.com", r.Answer.Name)
}

func TestEngineHTTPFlow(t *testing.T) {
	e := New()
	fl, err := e.NewFlow()
	require.NoError(t, err)

	req := "GET /index.html HTTP/1.1\r\nHost: example.com\r\n\r\n"
	fl.Feed([]byte(req), true, time.Now())

	require.True(t, fl.Concluded())
	res := fl.Result()
	require.Equal(t, "HTTP", res.App)
	require.Equal(t, "example.com", res.Info)
}

func TestDriverGivesUpAfterMaxPackets(t *testing.T) {
	d := dpi.NewDriver(New())
	s := d.Open()

	done := false
	for i := 0; i < dpi.MaxPackets; i++ {
		done = d.Feed(s, []byte{0xAB, 0xCD, 0xEF}, true, time.Now())
	}
	require.True(t, done)

	res := d.Finish(s)
	require.False(t, res.Known)
}
