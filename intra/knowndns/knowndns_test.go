// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package knowndns

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContains(t *testing.T) {
	s := New()

	require.True(t, s.Contains(net.ParseIP("8.8.8.8")))
	require.True(t, s.Contains(net.ParseIP("1.1.1.1")))
	require.True(t, s.Contains(net.ParseIP("2001:4860:4860::8888")))
	require.False(t, s.Contains(net.ParseIP("93.184.216.34")))
	require.False(t, s.Contains(net.ParseIP("8.8.8.9")))
}
