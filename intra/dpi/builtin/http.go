// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package builtin

import (
	"bufio"
	"bytes"
	"net/http"

	"github.com/flowlens/capturecore/intra/dpi"
)

// sniffHTTP parses payload as a plaintext HTTP/1.x request and reads its
// request URI and Host header. net/http's ReadRequest only needs a
// *bufio.Reader, and one over a bytes.Reader of the captured payload never
// blocks, so this is a direct stdlib use of ReadRequest rather than a
// hand-rolled parser. A payload that does not hold a complete request head
// fails to parse and is not claimed as HTTP.
func sniffHTTP(payload []byte) (dpi.Result, bool) {
	br := bufio.NewReader(bytes.NewReader(payload))
	req, err := http.ReadRequest(br)
	if err != nil || req.Host == "" {
		return dpi.Result{}, false
	}

	r := dpi.Result{App: "HTTP", Master: "HTTP", Info: req.Host, Known: true}
	if req.URL != nil {
		u := *req.URL
		u.Scheme = "http"
		u.Host = req.Host
		r.Url = u.String()
	}
	return r, true
}
