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
	"bytes"
	"net"
	"sync"
	"time"

	"github.com/supertanglang/obfsclient/obfsclient/common"
	"github.com/supertanglang/obfsclient/obfsclient/common/errors"
	"github.com/supertanglang/obfsclient/obfsclient/common/socks"
)

// SessionState is the lifecycle state of a bridged connection. Transitions
// are monotonic, except that any state may move to SessionStateClosed.
type SessionState int

const (
	SessionStateInvalid SessionState = iota

	// SessionStateConnecting: the outgoing TCP connection and the transport
	// handshake are in progress; the SOCKS5 reply has not been sent.
	SessionStateConnecting

	// SessionStateEstablished: the handshake completed, the SUCCEEDED reply
	// was sent, and the bidirectional splice is running.
	SessionStateEstablished

	// SessionStateFlushingIncoming: a non-success SOCKS5 reply is being
	// flushed to the client before teardown.
	SessionStateFlushingIncoming

	// SessionStateFlushingOutgoing: remaining outgoing bytes are being
	// flushed before teardown.
	SessionStateFlushingOutgoing

	SessionStateClosed
)

func (state SessionState) String() string {
	switch state {
	case SessionStateConnecting:
		return "CONNECTING"
	case SessionStateEstablished:
		return "ESTABLISHED"
	case SessionStateFlushingIncoming:
		return "FLUSHING_INCOMING"
	case SessionStateFlushingOutgoing:
		return "FLUSHING_OUTGOING"
	case SessionStateClosed:
		return "CLOSED"
	}
	return "INVALID"
}

const (
	// DEFAULT_HANDSHAKE_TIMEOUT bounds the CONNECTING phase: the transport
	// handshake must complete within this period of the outgoing connect.
	DEFAULT_HANDSHAKE_TIMEOUT = 60 * time.Second

	relayBufferSize = 32 * 1024
)

// Session is the capability set a concrete transport implements. The
// framework guarantees that OnOutgoingConnected is invoked exactly once and
// strictly before any OnOutgoingData*, that OnOutgoingDataConnecting is
// never invoked after the session is established, and that OnOutgoingData
// is never invoked before. Hooks are serialized while CONNECTING. Once
// ESTABLISHED, OnOutgoingData runs on the outgoing pump goroutine and
// OnIncomingData on the incoming pump goroutine, so hooks of the two
// directions may run concurrently.
type Session interface {

	// OnOutgoingConnected is invoked once, after the outgoing TCP connect
	// succeeds. Transports with a handshake emit their initiator message
	// here; transports without one may call SendSocks5Response directly.
	// Returning false indicates the hook has arranged the failure reply and
	// session close.
	OnOutgoingConnected() bool

	// OnOutgoingDataConnecting is invoked while the session is CONNECTING,
	// whenever new bytes arrive on the outgoing connection. recvBuffer
	// accumulates unconsumed bytes across invocations; the hook consumes
	// only what it needs and returns true to be re-invoked when more bytes
	// arrive.
	OnOutgoingDataConnecting(recvBuffer *bytes.Buffer) bool

	// OnOutgoingData is invoked while ESTABLISHED with bytes from the
	// bridge; the transport transforms and forwards them to the incoming
	// connection.
	OnOutgoingData(data []byte) bool

	// OnIncomingData is invoked while ESTABLISHED with bytes from the SOCKS
	// client; the transport transforms and forwards them to the outgoing
	// connection.
	OnIncomingData(data []byte) bool

	// OnIncomingDrained/OnOutgoingDrained are invoked when the respective
	// write completes. The BaseSession provides no-op defaults; transports
	// that throttle padding or flushing override them.
	OnIncomingDrained()
	OnOutgoingDrained()

	// Teardown releases transport state, zeroing keying material. Invoked
	// once, after the session's pumps have stopped.
	Teardown()

	baseSession() *BaseSession
}

// BaseSession implements the session state machine shared by all
// transports: two endpoints, the state field, the SOCKS5 reply helper, and
// the I/O pumps that drive the Session hooks.
//
// The incoming endpoint is the accepted SOCKS client connection; the
// outgoing endpoint is the remote bridge connection.
type BaseSession struct {
	server   *Socks5Server
	self     Session
	incoming *socks.Conn
	outgoing net.Conn

	mutex     sync.Mutex
	state     SessionState
	sentReply bool

	established   chan struct{}
	closedSignal  chan struct{}
	teardownDone  chan struct{}
	closeOnce     sync.Once
	pumpWaitGroup sync.WaitGroup

	handshakeTimeout time.Duration
	scrubAddrs       bool
}

func (session *BaseSession) initBaseSession(
	server *Socks5Server,
	self Session,
	incoming *socks.Conn,
	outgoing net.Conn) {

	session.server = server
	session.self = self
	session.incoming = incoming
	session.outgoing = outgoing
	session.state = SessionStateConnecting
	session.established = make(chan struct{})
	session.closedSignal = make(chan struct{})
	session.teardownDone = make(chan struct{})
	session.handshakeTimeout = server.handshakeTimeout
	session.scrubAddrs = server.scrubAddrs
}

func (session *BaseSession) baseSession() *BaseSession {
	return session
}

// OnIncomingDrained is the default no-op drain hook.
func (session *BaseSession) OnIncomingDrained() {
}

// OnOutgoingDrained is the default no-op drain hook.
func (session *BaseSession) OnOutgoingDrained() {
}

// State returns the current session state.
func (session *BaseSession) State() SessionState {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	return session.state
}

func (session *BaseSession) setState(state SessionState) {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	if session.state != SessionStateClosed {
		session.state = state
	}
}

// PeerAddr returns the bridge address for logging, scrubbed unless
// unsafe-logs mode is configured.
func (session *BaseSession) PeerAddr() string {
	return common.ScrubAddress(
		session.scrubAddrs, session.outgoing.RemoteAddr().String())
}

// SendSocks5Response emits the deferred SOCKS5 reply. On ReplySucceeded the
// session transitions CONNECTING to ESTABLISHED and the splice begins; any
// other reply is flushed to the client and the session is closed.
//
// SendSocks5Response may be called at most once per session; it returns
// true iff the reply was ReplySucceeded and was sent successfully.
func (session *BaseSession) SendSocks5Response(reply socks.Reply) bool {

	session.mutex.Lock()
	if session.sentReply || session.state != SessionStateConnecting {
		alreadySent := session.sentReply
		session.mutex.Unlock()
		if alreadySent {
			log.WithTrace().Warning("duplicate SOCKS5 response")
		}
		return false
	}
	session.sentReply = true
	session.mutex.Unlock()

	if reply != socks.ReplySucceeded {
		session.setState(SessionStateFlushingIncoming)
		err := session.incoming.Reject(reply)
		if err != nil {
			log.WithTraceFields(LogFields{
				"error": err}).Debug("SOCKS5 reject failed")
		}
		session.server.CloseSession(session.self)
		return false
	}

	bindAddr, ok := session.outgoing.LocalAddr().(*net.TCPAddr)
	if !ok {
		bindAddr = &net.TCPAddr{IP: net.IPv4zero, Port: 0}
	}
	err := session.incoming.Grant(bindAddr)
	if err != nil {
		log.WithTraceFields(LogFields{
			"error": err}).Debug("SOCKS5 grant failed")
		session.server.CloseSession(session.self)
		return false
	}

	session.setState(SessionStateEstablished)
	session.outgoing.SetReadDeadline(time.Time{})
	close(session.established)

	return true
}

// WriteOutgoing forwards transformed bytes to the bridge, invoking the
// drain hook on completion.
func (session *BaseSession) WriteOutgoing(data []byte) error {
	_, err := session.outgoing.Write(data)
	if err != nil {
		return errors.Trace(err)
	}
	session.self.OnOutgoingDrained()
	return nil
}

// WriteIncoming forwards transformed bytes to the SOCKS client, invoking
// the drain hook on completion.
func (session *BaseSession) WriteIncoming(data []byte) error {
	_, err := session.incoming.Write(data)
	if err != nil {
		return errors.Trace(err)
	}
	session.self.OnIncomingDrained()
	return nil
}

// start invokes OnOutgoingConnected and launches the session pumps. Called
// by the owning server after the session is registered.
func (session *BaseSession) start() {

	// The handshake phase is bounded: the deadline covers all CONNECTING
	// reads and is cleared on the transition to ESTABLISHED.
	session.outgoing.SetReadDeadline(time.Now().Add(session.handshakeTimeout))

	if !session.self.OnOutgoingConnected() {
		return
	}

	session.pumpWaitGroup.Add(2)
	go session.outgoingPump()
	go session.incomingPump()
}

// outgoingPump reads the bridge connection, dispatching to
// OnOutgoingDataConnecting until the session is established and to
// OnOutgoingData after. A single goroutine spans the transition, so the
// connecting hook is never invoked after it and the data hook never
// before.
func (session *BaseSession) outgoingPump() {
	defer session.pumpWaitGroup.Done()

	buffer := make([]byte, relayBufferSize)
	var recvBuffer bytes.Buffer

	for {
		n, err := session.outgoing.Read(buffer)
		if n > 0 {
			switch session.State() {
			case SessionStateConnecting:
				recvBuffer.Write(buffer[:n])
				if !session.self.OnOutgoingDataConnecting(&recvBuffer) {
					return
				}
				// The handshake may complete with payload bytes already
				// buffered; they belong to the data phase.
				if session.State() == SessionStateEstablished &&
					recvBuffer.Len() > 0 {
					if !session.self.OnOutgoingData(recvBuffer.Bytes()) {
						return
					}
					recvBuffer.Reset()
				}
			case SessionStateEstablished:
				if !session.self.OnOutgoingData(buffer[:n]) {
					return
				}
			default:
				return
			}
		}
		if err != nil {
			session.outgoingReadFailed(err)
			return
		}
	}
}

// incomingPump reads the SOCKS client connection once the session is
// established, dispatching to OnIncomingData. Incoming bytes are not
// consumed during the handshake.
func (session *BaseSession) incomingPump() {
	defer session.pumpWaitGroup.Done()

	select {
	case <-session.established:
	case <-session.closedSignal:
		return
	}

	buffer := make([]byte, relayBufferSize)

	for {
		n, err := session.incoming.Read(buffer)
		if n > 0 {
			if !session.self.OnIncomingData(buffer[:n]) {
				return
			}
		}
		if err != nil {
			// Post-handshake errors close silently; the TCP stream is
			// proxy-transparent and there is no reply channel.
			session.server.CloseSession(session.self)
			return
		}
	}
}

func (session *BaseSession) outgoingReadFailed(err error) {

	if session.State() == SessionStateConnecting {
		// Covers the peer closing mid-handshake and handshake timeout.
		log.WithTraceFields(LogFields{
			"method": session.server.methodName,
			"peer":   session.PeerAddr(),
			"error":  common.ScrubIPAddresses(err.Error()),
		}).Debug("handshake read failed")
		session.SendSocks5Response(socks.ReplyGeneralFailure)
		return
	}

	session.server.CloseSession(session.self)
}

// close tears down the session: both endpoints are closed, and once the
// pumps have stopped, the transport's Teardown zeroes keying material.
// Idempotent; safe to call from within a session hook.
func (session *BaseSession) close() {
	session.closeOnce.Do(func() {
		session.setState(SessionStateClosed)
		close(session.closedSignal)
		session.incoming.Close()
		session.outgoing.Close()

		// Teardown is deferred until the pumps return, so hook code never
		// observes zeroed cipher state. This goroutine is the Go
		// re-expression of "schedule destruction after the current
		// callback returns".
		go func() {
			session.pumpWaitGroup.Wait()
			session.self.Teardown()
			close(session.teardownDone)
		}()
	})
}

// waitTeardown blocks until the session's deferred teardown has run. Only
// meaningful after close.
func (session *BaseSession) waitTeardown() {
	<-session.teardownDone
}
