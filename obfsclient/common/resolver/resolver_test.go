/*
 * Copyright (c) 2016, the obfsclient authors.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package resolver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestDNSServer serves a fixed zone: "dual.test." has both record
// types, "v4only.test." and "v6only.test." one each, and anything else is
// NXDOMAIN.
func startTestDNSServer(t *testing.T) string {

	packetConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	handler := dns.HandlerFunc(
		func(w dns.ResponseWriter, request *dns.Msg) {

			response := new(dns.Msg)
			response.SetReply(request)

			question := request.Question[0]
			name := question.Name

			addA := func() {
				response.Answer = append(response.Answer, &dns.A{
					Hdr: dns.RR_Header{
						Name:   name,
						Rrtype: dns.TypeA,
						Class:  dns.ClassINET,
						Ttl:    60,
					},
					A: net.ParseIP("192.0.2.10").To4(),
				})
			}
			addAAAA := func() {
				response.Answer = append(response.Answer, &dns.AAAA{
					Hdr: dns.RR_Header{
						Name:   name,
						Rrtype: dns.TypeAAAA,
						Class:  dns.ClassINET,
						Ttl:    60,
					},
					AAAA: net.ParseIP("2001:db8::10"),
				})
			}

			switch name {
			case "dual.test.":
				if question.Qtype == dns.TypeA {
					addA()
				} else if question.Qtype == dns.TypeAAAA {
					addAAAA()
				}
			case "v4only.test.":
				if question.Qtype == dns.TypeA {
					addA()
				}
			case "v6only.test.":
				if question.Qtype == dns.TypeAAAA {
					addAAAA()
				}
			default:
				response.Rcode = dns.RcodeNameError
			}

			w.WriteMsg(response)
		})

	server := &dns.Server{PacketConn: packetConn, Handler: handler}
	go server.ActivateAndServe()
	t.Cleanup(func() { server.Shutdown() })

	return packetConn.LocalAddr().String()
}

func TestResolveIP(t *testing.T) {

	serverAddr := startTestDNSServer(t)

	resolver := NewResolver(&Config{
		Servers:      []string{serverAddr},
		QueryTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// IPv4 is preferred when both record types exist.
	ip, err := resolver.ResolveIP(ctx, "dual.test")
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.10", ip.String())

	ip, err = resolver.ResolveIP(ctx, "v4only.test")
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.10", ip.String())

	// IPv6 fallback when no A record exists.
	ip, err = resolver.ResolveIP(ctx, "v6only.test")
	require.NoError(t, err)
	assert.Equal(t, "2001:db8::10", ip.String())

	// NXDOMAIN surfaces as no-answer, which callers map to
	// HOST_UNREACHABLE.
	_, err = resolver.ResolveIP(ctx, "missing.test")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoAnswer)
}

func TestResolveLiteral(t *testing.T) {

	resolver := NewResolver(&Config{Servers: []string{"127.0.0.1:1"}})

	ctx := context.Background()

	ip, err := resolver.ResolveIP(ctx, "93.184.216.34")
	require.NoError(t, err)
	assert.Equal(t, "93.184.216.34", ip.String())

	ip, err = resolver.ResolveIP(ctx, "2001:db8::1")
	require.NoError(t, err)
	assert.Equal(t, "2001:db8::1", ip.String())
}

func TestPreferredIP(t *testing.T) {

	v4 := net.ParseIP("192.0.2.10")
	v6 := net.ParseIP("2001:db8::10")

	assert.Equal(t, v4, PreferredIP([]net.IP{v6, v4}))
	assert.Equal(t, v6, PreferredIP([]net.IP{v6}))
	assert.Nil(t, PreferredIP(nil))
}
