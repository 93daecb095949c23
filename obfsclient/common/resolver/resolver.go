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

/*

Package resolver resolves domain name destinations from SOCKS5 CONNECT
requests before the outgoing dial. A and AAAA queries are issued in
parallel against the system DNS servers, and IPv4 answers are preferred
over IPv6.

*/
package resolver

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/supertanglang/obfsclient/obfsclient/common/errors"
	"golang.org/x/sync/errgroup"
)

const (
	DEFAULT_QUERY_TIMEOUT = 10 * time.Second

	resolvConfPath = "/etc/resolv.conf"
)

// ErrNoAnswer indicates the queries completed without yielding a usable
// address. Callers map this to a host-unreachable condition, and transport
// failures to network-unreachable.
var ErrNoAnswer = errors.TraceNew("no DNS answer")

// Config specifies a Resolver configuration. All fields are optional.
type Config struct {

	// Servers overrides the system DNS server list. Each entry is an
	// address in host or host:port form.
	Servers []string

	// QueryTimeout bounds each individual DNS query. When zero,
	// DEFAULT_QUERY_TIMEOUT is used.
	QueryTimeout time.Duration
}

// Resolver resolves domain names to IP addresses.
type Resolver struct {
	queryTimeout time.Duration

	mutex   sync.Mutex
	servers []string
}

// NewResolver creates a Resolver. The system resolv.conf is loaded lazily,
// on first use, when no server list is configured.
func NewResolver(config *Config) *Resolver {
	r := &Resolver{
		queryTimeout: DEFAULT_QUERY_TIMEOUT,
	}
	if config != nil {
		if config.QueryTimeout != 0 {
			r.queryTimeout = config.QueryTimeout
		}
		r.servers = normalizeServers(config.Servers)
	}
	return r
}

// ResolveIP resolves a domain name, preferring IPv4 answers and falling
// back to IPv6. Literal IP addresses are returned directly.
func (r *Resolver) ResolveIP(ctx context.Context, domain string) (net.IP, error) {

	if ip := net.ParseIP(domain); ip != nil {
		return ip, nil
	}

	servers, err := r.getServers()
	if err != nil {
		return nil, errors.Trace(err)
	}

	var mutex sync.Mutex
	var ip4, ip6 net.IP

	// Both queries run to completion; the preference is applied after, not
	// by racing, so a fast AAAA answer does not shadow a slower A answer.

	group, groupCtx := errgroup.WithContext(ctx)
	for _, queryType := range []uint16{dns.TypeA, dns.TypeAAAA} {
		queryType := queryType
		group.Go(func() error {
			ip, err := r.query(groupCtx, servers, domain, queryType)
			if err != nil {
				// Answer preference handles a missing record type; only
				// transport failures fail the group.
				if isNoSuchRecord(err) {
					return nil
				}
				return errors.Trace(err)
			}
			mutex.Lock()
			if queryType == dns.TypeA {
				ip4 = ip
			} else {
				ip6 = ip
			}
			mutex.Unlock()
			return nil
		})
	}
	err = group.Wait()

	if ip4 != nil {
		return ip4, nil
	}
	if ip6 != nil {
		return ip6, nil
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	return nil, ErrNoAnswer
}

// PreferredIP selects the preferred address from resolved candidates:
// IPv4 first, then IPv6.
func PreferredIP(ips []net.IP) net.IP {
	for _, ip := range ips {
		if ip.To4() != nil {
			return ip
		}
	}
	if len(ips) > 0 {
		return ips[0]
	}
	return nil
}

func (r *Resolver) query(
	ctx context.Context,
	servers []string,
	domain string,
	queryType uint16) (net.IP, error) {

	message := new(dns.Msg)
	message.SetQuestion(dns.Fqdn(domain), queryType)
	message.RecursionDesired = true

	client := &dns.Client{
		Timeout: r.queryTimeout,
	}

	var lastErr error
	for _, server := range servers {
		response, _, err := client.ExchangeContext(ctx, message, server)
		if err != nil {
			lastErr = errors.Trace(err)
			continue
		}
		if response.Rcode == dns.RcodeNameError {
			// NXDOMAIN is a definitive no-answer, not a transport failure.
			return nil, errNoSuchRecord
		}
		if response.Rcode != dns.RcodeSuccess {
			lastErr = errors.Tracef("DNS rcode %d", response.Rcode)
			continue
		}
		for _, answer := range response.Answer {
			switch record := answer.(type) {
			case *dns.A:
				if queryType == dns.TypeA {
					return record.A, nil
				}
			case *dns.AAAA:
				if queryType == dns.TypeAAAA {
					return record.AAAA, nil
				}
			}
		}
		return nil, errNoSuchRecord
	}
	if lastErr == nil {
		lastErr = errors.TraceNew("no DNS servers")
	}
	return nil, lastErr
}

var errNoSuchRecord = errors.TraceNew("no such record")

func isNoSuchRecord(err error) bool {
	return err == errNoSuchRecord
}

func (r *Resolver) getServers() ([]string, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if len(r.servers) > 0 {
		return r.servers, nil
	}
	clientConfig, err := dns.ClientConfigFromFile(resolvConfPath)
	if err != nil {
		return nil, errors.Trace(err)
	}
	servers := make([]string, 0, len(clientConfig.Servers))
	for _, server := range clientConfig.Servers {
		servers = append(servers, net.JoinHostPort(server, clientConfig.Port))
	}
	if len(servers) == 0 {
		return nil, errors.TraceNew("no DNS servers configured")
	}
	r.servers = servers
	return r.servers, nil
}

func normalizeServers(servers []string) []string {
	normalized := make([]string, 0, len(servers))
	for _, server := range servers {
		if _, _, err := net.SplitHostPort(server); err != nil {
			server = net.JoinHostPort(server, "53")
		}
		normalized = append(normalized, server)
	}
	return normalized
}
