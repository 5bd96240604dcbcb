// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package builtin

import (
	"strings"

	"github.com/miekg/dns"

	"github.com/flowlens/capturecore/intra/dpi"
)

// sniffDNS unpacks payload as a DNS message and, on success, extracts the
// query name (info) and, for a response carrying a usable A/AAAA record,
// an (ip -> host name) pair for the Host LRU (spec §4.5).
func sniffDNS(payload []byte) (dpi.Result, bool) {
	m := new(dns.Msg)
	if err := m.Unpack(payload); err != nil || len(m.Question) == 0 {
		return dpi.Result{}, false
	}

	qname := strings.TrimSuffix(m.Question[0].Name, ".")
	r := dpi.Result{App: "DNS", Master: "DNS", Known: true}
	if strings.Contains(qname, ".") {
		r.Info = qname
	}

	if m.Response {
		for _, ans := range m.Answer {
			switch rr := ans.(type) {
			case *dns.A:
				if !rr.A.IsUnspecified() {
					r.Answer = &dpi.DNSAnswer{IsV4: true, Name: qname}
					copy(r.Answer.IP[:4], rr.A.To4())
				}
			case *dns.AAAA:
				ip := rr.AAAA
				if len(ip) == 16 && ip[0]&0xE0 == 0x20 { // global unicast
					r.Answer = &dpi.DNSAnswer{IsV4: false, Name: qname}
					copy(r.Answer.IP[:], ip)
				}
			}
			if r.Answer != nil {
				break
			}
		}
	}

	return r, true
}
