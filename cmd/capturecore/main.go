// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Command capturecore is a harness that drives the capture core against a
// real tun fd from the command line, standing in for the host VPN service
// spec §6 describes. It carries no DNS-policy or DPI semantics of its own.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flowlens/capturecore/intra/events"
	"github.com/flowlens/capturecore/intra/host"
	"github.com/flowlens/capturecore/intra/log"
	"github.com/flowlens/capturecore/tunnel"
)

func main() {
	var tunFd int
	var vpnIPv4, vpnDNS, dnsServer, ipv6DNS string
	var ipv6Enabled bool
	var pcapCollectorAddr string
	var pcapCollectorPort int
	var pcapToUDP, pcapToTCP bool

	root := &cobra.Command{
		Use:   "capturecore",
		Short: "run the capture core against an already-open tun file descriptor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := host.Config{
				VpnIPv4:           vpnIPv4,
				VpnDNS:            vpnDNS,
				DNSServer:         dnsServer,
				IPv6DNSServer:     ipv6DNS,
				IPv6Enabled:       ipv6Enabled,
				PcapCollectorAddr: pcapCollectorAddr,
				PcapCollectorPort: pcapCollectorPort,
				DumpPcapToUDP:     pcapToUDP,
				DumpPcapToTCP:     pcapToTCP,
			}
			bridge := &stdoutBridge{}

			t, err := tunnel.NewTunnel(tunFd, cfg, bridge)
			if err != nil {
				return err
			}
			return t.Run()
		},
	}

	root.Flags().IntVar(&tunFd, "tun-fd", -1, "open file descriptor of the tun device")
	root.Flags().StringVar(&vpnIPv4, "vpn-ipv4", "10.215.0.2", "tun-side client IPv4")
	root.Flags().StringVar(&vpnDNS, "vpn-dns", "10.215.0.1", "tun-side DNS IPv4")
	root.Flags().StringVar(&dnsServer, "dns-server", "8.8.8.8", "external DNS server to DNAT queries to")
	root.Flags().StringVar(&ipv6DNS, "ipv6-dns-server", "", "configured v6 DNS server")
	root.Flags().BoolVar(&ipv6Enabled, "ipv6", false, "enable ipv6 forwarding")
	root.Flags().StringVar(&pcapCollectorAddr, "pcap-collector-addr", "", "remote pcap collector host")
	root.Flags().IntVar(&pcapCollectorPort, "pcap-collector-port", 0, "remote pcap collector port")
	root.Flags().BoolVar(&pcapToUDP, "pcap-udp", false, "send pcap records to the collector over UDP")
	root.Flags().BoolVar(&pcapToTCP, "pcap-tcp", false, "send pcap records to the collector over TCP")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// stdoutBridge is a trivial host.Bridge that logs every callback except
// GetApplicationByUid through intra/log.
type stdoutBridge struct{}

func (*stdoutBridge) GetApplicationByUid(uid int) string { return fmt.Sprintf("uid:%d", uid) }

func (*stdoutBridge) Protect(fd int) bool {
	log.D("bridge: protect fd=%d", fd)
	return true
}

func (*stdoutBridge) DumpPcapData(b []byte) {
	log.I("bridge: pcap dump %d bytes", len(b))
}

func (*stdoutBridge) SendConnectionsDump(newConns, updatedConns []events.ConnSnapshot) {
	log.I("bridge: connections dump new=%d updated=%d", len(newConns), len(updatedConns))
}

func (*stdoutBridge) SendStatsDump(s events.Stats) {
	log.I("bridge: stats sent=%d rcvd=%d dropped=%d dns_requests=%d",
		s.SentBytes, s.RcvdBytes, s.DroppedConns, s.DNSRequests)
}

func (*stdoutBridge) SendServiceStatus(status string) {
	log.I("bridge: service status: %s", status)
}
