// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package knowndns is the Known-DNS set (C2): a static longest-prefix-match
// set of well-known public DNS resolver addresses, consulted by the DNS
// policy gate when classifying a destination.
package knowndns

import (
	"net"

	"github.com/k-sone/critbitgo"
)

// defaultServers is the fixed v4+v6 DNS resolver set from spec §3.
var defaultServers = []string{
	"8.8.8.8/32",
	"8.8.4.4/32",
	"1.1.1.1/32",
	"1.0.0.1/32",
	"2001:4860:4860::8888/128",
	"2001:4860:4860::8844/128",
	"2606:4700:4700::64/128",
	"2606:4700:4700::6400/128",
}

// Set is a longest-prefix-match set of known DNS server addresses.
type Set struct {
	net *critbitgo.Net
}

// New populates a Set with the default well-known DNS servers; it is
// static for the lifetime of a run, per spec §3 ("populated once per run").
func New() *Set {
	s := &Set{net: critbitgo.NewNet()}
	for _, cidr := range defaultServers {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			panic("knowndns: bad built-in cidr " + cidr)
		}
		if err := s.net.Add(ipnet, nil); err != nil {
			panic("knowndns: duplicate built-in cidr " + cidr)
		}
	}
	return s
}

// Contains reports whether ip matches any entry in the set.
func (s *Set) Contains(ip net.IP) bool {
	_, _, ok := s.net.MatchIP(ip)
	return ok
}
