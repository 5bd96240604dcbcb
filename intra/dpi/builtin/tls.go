// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package builtin

import (
	"github.com/dreadl0ck/tlsx"

	"github.com/flowlens/capturecore/intra/dpi"
)

// sniffTLSClientHello parses payload as a TLS record and, if it carries a
// ClientHello, extracts the SNI extension as info (spec §4.5's TLS case).
func sniffTLSClientHello(payload []byte) (dpi.Result, bool) {
	hello := tlsx.ClientHelloBasic{}
	if err := hello.Unmarshal(payload); err != nil {
		return dpi.Result{}, false
	}
	if len(hello.SNI) == 0 {
		return dpi.Result{}, false
	}
	return dpi.Result{App: "TLS", Master: "TLS", Info: string(hello.SNI), Known: true}, true
}
