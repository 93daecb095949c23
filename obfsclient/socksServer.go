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

package obfsclient

import (
	"context"
	std_errors "errors"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/supertanglang/obfsclient/obfsclient/common"
	"github.com/supertanglang/obfsclient/obfsclient/common/errors"
	"github.com/supertanglang/obfsclient/obfsclient/common/resolver"
	"github.com/supertanglang/obfsclient/obfsclient/common/socks"
)

const (
	DEFAULT_CONNECT_TIMEOUT = 30 * time.Second

	defaultListenAddr = "127.0.0.1:0"
)

// SessionFactory creates a concrete transport session for an accepted and
// dialed connection pair. The RFC 1929 fields, if any, are available via
// incoming.Req.Auth as opaque per-session transport parameters.
type SessionFactory func(
	server *Socks5Server,
	incoming *socks.Conn,
	outgoing net.Conn) (Session, error)

// Socks5ServerConfig specifies a per-method SOCKS5 server.
type Socks5ServerConfig struct {

	// MethodName is the pluggable transport method, e.g. "obfs2".
	MethodName string

	// Factory creates the method's transport sessions.
	Factory SessionFactory

	// WantsAuth selects SOCKS5 USERNAME/PASSWORD negotiation, for methods
	// which take per-session parameters.
	WantsAuth bool

	// ScrubAddresses controls whether peer addresses are replaced with a
	// stable placeholder in log output.
	ScrubAddresses bool

	// Resolver resolves DOMAIN destinations. When nil, a system resolver is
	// created.
	Resolver *resolver.Resolver

	// ListenAddr overrides the default loopback/ephemeral bind address.
	ListenAddr string

	// ConnectTimeout bounds the outgoing TCP connect. When zero,
	// DEFAULT_CONNECT_TIMEOUT is used.
	ConnectTimeout time.Duration

	// HandshakeTimeout bounds the transport handshake. When zero,
	// DEFAULT_HANDSHAKE_TIMEOUT is used.
	HandshakeTimeout time.Duration
}

// Socks5Server is the per-method listener and session orchestrator. It owns
// the set of live sessions for its method.
//
// Shutdown is two-stage: Close stops accepting while existing sessions
// drain; CloseSessions then terminates the remaining sessions.
type Socks5Server struct {
	methodName       string
	factory          SessionFactory
	wantsAuth        bool
	scrubAddrs       bool
	resolver         *resolver.Resolver
	listenAddr       string
	connectTimeout   time.Duration
	handshakeTimeout time.Duration

	listener        *socks.Listener
	acceptWaitGroup sync.WaitGroup

	mutex    sync.Mutex
	bound    bool
	closed   bool
	sessions map[Session]bool
}

// NewSocks5Server creates a Socks5Server. Bind must be called to begin
// accepting connections.
func NewSocks5Server(config *Socks5ServerConfig) *Socks5Server {

	server := &Socks5Server{
		methodName:       config.MethodName,
		factory:          config.Factory,
		wantsAuth:        config.WantsAuth,
		scrubAddrs:       config.ScrubAddresses,
		resolver:         config.Resolver,
		listenAddr:       config.ListenAddr,
		connectTimeout:   config.ConnectTimeout,
		handshakeTimeout: config.HandshakeTimeout,
		sessions:         make(map[Session]bool),
	}

	if server.resolver == nil {
		server.resolver = resolver.NewResolver(nil)
	}
	if server.listenAddr == "" {
		server.listenAddr = defaultListenAddr
	}
	if server.connectTimeout == 0 {
		server.connectTimeout = DEFAULT_CONNECT_TIMEOUT
	}
	if server.handshakeTimeout == 0 {
		server.handshakeTimeout = DEFAULT_HANDSHAKE_TIMEOUT
	}

	return server
}

// MethodName returns the pluggable transport method this server fronts.
func (server *Socks5Server) MethodName() string {
	return server.methodName
}

// Bind reserves the local SOCKS5 port and starts the accept loop.
func (server *Socks5Server) Bind() error {

	server.mutex.Lock()
	defer server.mutex.Unlock()

	if server.bound {
		return errors.TraceNew("already bound")
	}

	listener, err := socks.Listen(
		"tcp", server.listenAddr,
		&socks.ListenerConfig{WantsAuth: server.wantsAuth})
	if err != nil {
		return errors.Trace(err)
	}

	server.listener = listener
	server.bound = true

	server.acceptWaitGroup.Add(1)
	go server.acceptConnections()

	log.WithTraceFields(LogFields{
		"method":  server.methodName,
		"address": listener.Addr().String(),
	}).Info("SOCKS5 listener running")

	return nil
}

// Addr returns the bound SOCKS5 address for announcement to the host.
func (server *Socks5Server) Addr() net.Addr {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	if !server.bound {
		return nil
	}
	return server.listener.Addr()
}

func (server *Socks5Server) acceptConnections() {
	defer server.acceptWaitGroup.Done()

	for {
		socksConn, err := server.listener.AcceptSocks()
		if err != nil {
			if e, ok := err.(net.Error); ok && e.Temporary() {
				// A failed negotiation; the accept loop keeps running. A
				// client that disconnects before CONNECT lands here and is
				// dropped silently.
				log.WithTraceFields(LogFields{
					"method": server.methodName,
					"error":  common.ScrubIPAddresses(err.Error()),
				}).Debug("SOCKS5 negotiation failed")
				continue
			}
			break
		}
		go server.handleConnection(socksConn)
	}

	log.WithTraceFields(LogFields{
		"method": server.methodName}).Info("SOCKS5 listener stopped")
}

func (server *Socks5Server) handleConnection(socksConn *socks.Conn) {

	request := socksConn.Req

	host := request.TargetHost
	if request.HostIsDomain {
		ctx, cancel := context.WithTimeout(
			context.Background(), server.connectTimeout)
		ip, err := server.resolver.ResolveIP(ctx, host)
		cancel()
		if err != nil {
			reply := socks.ReplyNetworkUnreachable
			if std_errors.Is(err, resolver.ErrNoAnswer) {
				reply = socks.ReplyHostUnreachable
			}
			log.WithTraceFields(LogFields{
				"method": server.methodName,
				"error":  common.ScrubIPAddresses(err.Error()),
			}).Debug("destination resolution failed")
			socksConn.Reject(reply)
			socksConn.Close()
			return
		}
		host = ip.String()
	}

	dialer := &net.Dialer{Timeout: server.connectTimeout}
	outgoing, err := dialer.Dial(
		"tcp", net.JoinHostPort(host, strconv.Itoa(request.TargetPort)))
	if err != nil {
		log.WithTraceFields(LogFields{
			"method": server.methodName,
			"error":  common.ScrubIPAddresses(err.Error()),
		}).Debug("outgoing connect failed")
		socksConn.Reject(dialErrorReply(err))
		socksConn.Close()
		return
	}

	session, err := server.factory(server, socksConn, outgoing)
	if err != nil {
		log.WithTraceFields(LogFields{
			"method": server.methodName,
			"error":  err,
		}).Warning("session creation failed")
		socksConn.Reject(socks.ReplyGeneralFailure)
		socksConn.Close()
		outgoing.Close()
		return
	}

	server.mutex.Lock()
	server.sessions[session] = true
	server.mutex.Unlock()

	session.baseSession().start()
}

// Close stops accepting connections. Live sessions continue to run; use
// CloseSessions to terminate them. Idempotent.
func (server *Socks5Server) Close() {

	server.mutex.Lock()
	if !server.bound || server.closed {
		server.mutex.Unlock()
		return
	}
	server.closed = true
	listener := server.listener
	server.mutex.Unlock()

	listener.Close()
	server.acceptWaitGroup.Wait()
}

// CloseSessions terminates all live sessions, returning once each
// session's teardown, including zeroing of keying material, completes.
func (server *Socks5Server) CloseSessions() {

	server.mutex.Lock()
	sessions := make([]Session, 0, len(server.sessions))
	for session := range server.sessions {
		sessions = append(sessions, session)
	}
	server.mutex.Unlock()

	for _, session := range sessions {
		server.CloseSession(session)
	}
	for _, session := range sessions {
		session.baseSession().waitTeardown()
	}
}

// CloseSession schedules one session for destruction. Idempotent; safe to
// call from within the session's own hooks.
func (server *Socks5Server) CloseSession(session Session) {

	server.mutex.Lock()
	delete(server.sessions, session)
	server.mutex.Unlock()

	session.baseSession().close()
}

// SessionCount returns the number of live sessions.
func (server *Socks5Server) SessionCount() int {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	return len(server.sessions)
}

func dialErrorReply(err error) socks.Reply {
	// Connect timeout expiry is a general failure.
	if e, ok := err.(net.Error); ok && e.Timeout() {
		return socks.ReplyGeneralFailure
	}
	if std_errors.Is(err, syscall.ECONNREFUSED) {
		return socks.ReplyConnectionRefused
	}
	if std_errors.Is(err, syscall.ENETUNREACH) {
		return socks.ReplyNetworkUnreachable
	}
	if std_errors.Is(err, syscall.EHOSTUNREACH) {
		return socks.ReplyHostUnreachable
	}
	return socks.ReplyGeneralFailure
}
