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

Package socks implements the server side of the SOCKS5 (RFC 1928) proxy
conversation used by pluggable transport clients, including RFC 1929
username/password subnegotiation. The username/password fields are not used
for authentication; they carry opaque per-session transport parameters.

Only the CONNECT command is supported. The destination address is returned
unresolved; DOMAIN targets are resolved by the caller before connecting.

*/
package socks

import (
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/supertanglang/obfsclient/obfsclient/common/errors"
)

const (
	socksVersion = 0x05

	authNoneRequired        = 0x00
	authUsernamePassword    = 0x02
	authNoAcceptableMethods = 0xFF

	authUsernamePasswordVersion = 0x01
	authStatusSuccess           = 0x00
	authStatusFailure           = 0x01

	cmdConnect = 0x01

	atypIPv4       = 0x01
	atypDomainName = 0x03
	atypIPv6       = 0x04

	// DEFAULT_NEGOTIATE_TIMEOUT bounds the entire SOCKS5 conversation, from
	// accept to the parsed CONNECT request.
	DEFAULT_NEGOTIATE_TIMEOUT = 30 * time.Second
)

// Reply is a SOCKS5 reply field value (RFC 1928 section 6).
type Reply byte

const (
	ReplySucceeded            Reply = 0x00
	ReplyGeneralFailure       Reply = 0x01
	ReplyConnectionNotAllowed Reply = 0x02
	ReplyNetworkUnreachable   Reply = 0x03
	ReplyHostUnreachable      Reply = 0x04
	ReplyConnectionRefused    Reply = 0x05
	ReplyTTLExpired           Reply = 0x06
	ReplyCommandNotSupported  Reply = 0x07
	ReplyAddressNotSupported  Reply = 0x08
)

// AuthArgs is the RFC 1929 username/password pair, surfaced as opaque
// per-session transport parameters.
type AuthArgs struct {
	Username string
	Password string
}

// Request is a parsed SOCKS5 CONNECT request.
type Request struct {

	// TargetHost is the destination host: an IPv4 or IPv6 literal, or an
	// unresolved domain name.
	TargetHost string

	// TargetPort is the destination port.
	TargetPort int

	// HostIsDomain indicates that TargetHost requires resolution.
	HostIsDomain bool

	// Auth holds the RFC 1929 fields when username/password subnegotiation
	// was performed, and is nil otherwise.
	Auth *AuthArgs
}

// Target returns the destination in host:port form.
func (req *Request) Target() string {
	return net.JoinHostPort(req.TargetHost, strconv.Itoa(req.TargetPort))
}

// ListenerConfig configures a SOCKS5 listener.
type ListenerConfig struct {

	// WantsAuth selects the USERNAME/PASSWORD method when the client offers
	// it, for transports which take per-session parameters. NO-AUTH clients
	// are still accepted; their requests carry no auth args.
	WantsAuth bool

	// NegotiateTimeout bounds the SOCKS5 conversation per connection.
	// When zero, DEFAULT_NEGOTIATE_TIMEOUT is used.
	NegotiateTimeout time.Duration
}

// Listener accepts SOCKS5 client connections.
type Listener struct {
	net.Listener
	config ListenerConfig
}

// Listen binds a SOCKS5 listener to the given local TCP address.
func Listen(network, laddr string, config *ListenerConfig) (*Listener, error) {
	listener, err := net.Listen(network, laddr)
	if err != nil {
		return nil, errors.Trace(err)
	}
	useConfig := ListenerConfig{}
	if config != nil {
		useConfig = *config
	}
	if useConfig.NegotiateTimeout == 0 {
		useConfig.NegotiateTimeout = DEFAULT_NEGOTIATE_TIMEOUT
	}
	return &Listener{Listener: listener, config: useConfig}, nil
}

// AcceptSocks accepts a client connection and runs the SOCKS5 conversation
// through the parsed CONNECT request. Negotiation failures close the
// connection and return a temporary net.Error, so accept loops can
// distinguish them from fatal listener errors.
func (l *Listener) AcceptSocks() (*Conn, error) {
	conn, err := l.Accept()
	if err != nil {
		return nil, err
	}
	req, err := negotiate(conn, &l.config)
	if err != nil {
		conn.Close()
		return nil, &netError{error: errors.Trace(err), temporary: true}
	}
	return &Conn{Conn: conn, Req: req}, nil
}

// Conn is an accepted SOCKS5 client connection with its CONNECT request
// parsed. The caller must terminate the conversation with exactly one of
// Grant or Reject.
type Conn struct {
	net.Conn
	Req *Request
}

// Grant sends a SUCCEEDED reply with the given bind address. The connection
// then carries the proxied byte stream.
func (c *Conn) Grant(addr *net.TCPAddr) error {
	return errors.Trace(sendReply(c.Conn, ReplySucceeded, addr))
}

// Reject sends the given non-success reply. The caller closes the
// connection after the reply is flushed.
func (c *Conn) Reject(reply Reply) error {
	if reply == ReplySucceeded {
		reply = ReplyGeneralFailure
	}
	return errors.Trace(sendReply(c.Conn, reply, nil))
}

func negotiate(conn net.Conn, config *ListenerConfig) (*Request, error) {

	conn.SetDeadline(time.Now().Add(config.NegotiateTimeout))
	defer conn.SetDeadline(time.Time{})

	// Each field is read with its exact size; nothing is buffered past the
	// request, so payload bytes pipelined behind the CONNECT are left for
	// the session splice.

	// Method negotiation: VER NMETHODS METHODS...

	var header [2]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return nil, errors.Trace(err)
	}
	if header[0] != socksVersion {
		return nil, errors.Tracef("unsupported SOCKS version %d", header[0])
	}
	methods := make([]byte, header[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return nil, errors.Trace(err)
	}

	selected := byte(authNoAcceptableMethods)
	for _, method := range methods {
		if config.WantsAuth && method == authUsernamePassword {
			selected = authUsernamePassword
			break
		}
		if method == authNoneRequired {
			selected = authNoneRequired
			if !config.WantsAuth {
				break
			}
		}
	}

	if _, err := conn.Write([]byte{socksVersion, selected}); err != nil {
		return nil, errors.Trace(err)
	}
	if selected == authNoAcceptableMethods {
		return nil, errors.TraceNew("no acceptable authentication method")
	}

	var auth *AuthArgs
	if selected == authUsernamePassword {
		var err error
		auth, err = negotiateAuth(conn)
		if err != nil {
			return nil, errors.Trace(err)
		}
	}

	// Request: VER CMD RSV ATYP DST.ADDR DST.PORT

	var request [4]byte
	if _, err := io.ReadFull(conn, request[:]); err != nil {
		return nil, errors.Trace(err)
	}
	if request[0] != socksVersion {
		sendReply(conn, ReplyGeneralFailure, nil)
		return nil, errors.Tracef("unsupported SOCKS version %d", request[0])
	}
	if request[1] != cmdConnect {
		sendReply(conn, ReplyCommandNotSupported, nil)
		return nil, errors.Tracef("unsupported command %d", request[1])
	}

	var host string
	hostIsDomain := false
	switch request[3] {
	case atypIPv4:
		var addr [4]byte
		if _, err := io.ReadFull(conn, addr[:]); err != nil {
			return nil, errors.Trace(err)
		}
		host = net.IP(addr[:]).String()
	case atypIPv6:
		var addr [16]byte
		if _, err := io.ReadFull(conn, addr[:]); err != nil {
			return nil, errors.Trace(err)
		}
		host = net.IP(addr[:]).String()
	case atypDomainName:
		length, err := readByte(conn)
		if err != nil {
			return nil, errors.Trace(err)
		}
		name := make([]byte, length)
		if _, err := io.ReadFull(conn, name); err != nil {
			return nil, errors.Trace(err)
		}
		host = string(name)
		hostIsDomain = true
	default:
		sendReply(conn, ReplyAddressNotSupported, nil)
		return nil, errors.Tracef("unsupported address type %d", request[3])
	}

	var portBytes [2]byte
	if _, err := io.ReadFull(conn, portBytes[:]); err != nil {
		return nil, errors.Trace(err)
	}
	port := int(binary.BigEndian.Uint16(portBytes[:]))

	// The reply is deferred: it is sent by the transport session once the
	// outgoing connection and transport handshake complete, via Grant or
	// Reject.

	return &Request{
		TargetHost:   host,
		TargetPort:   port,
		HostIsDomain: hostIsDomain,
		Auth:         auth,
	}, nil
}

// negotiateAuth performs the RFC 1929 username/password subnegotiation. The
// fields are not validated; they are opaque transport parameters.
func negotiateAuth(conn net.Conn) (*AuthArgs, error) {

	version, err := readByte(conn)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if version != authUsernamePasswordVersion {
		conn.Write([]byte{authUsernamePasswordVersion, authStatusFailure})
		return nil, errors.Tracef("unsupported auth version %d", version)
	}

	usernameLength, err := readByte(conn)
	if err != nil {
		return nil, errors.Trace(err)
	}
	username := make([]byte, usernameLength)
	if _, err := io.ReadFull(conn, username); err != nil {
		return nil, errors.Trace(err)
	}

	passwordLength, err := readByte(conn)
	if err != nil {
		return nil, errors.Trace(err)
	}
	password := make([]byte, passwordLength)
	if _, err := io.ReadFull(conn, password); err != nil {
		return nil, errors.Trace(err)
	}

	if _, err := conn.Write(
		[]byte{authUsernamePasswordVersion, authStatusSuccess}); err != nil {
		return nil, errors.Trace(err)
	}

	return &AuthArgs{
		Username: string(username),
		Password: string(password),
	}, nil
}

func readByte(conn net.Conn) (byte, error) {
	var b [1]byte
	_, err := io.ReadFull(conn, b[:])
	return b[0], err
}

func sendReply(conn net.Conn, reply Reply, bindAddr *net.TCPAddr) error {

	atyp := byte(atypIPv4)
	addrBytes := net.IPv4zero.To4()
	port := 0

	if bindAddr != nil {
		if ip4 := bindAddr.IP.To4(); ip4 != nil {
			addrBytes = ip4
		} else {
			atyp = atypIPv6
			addrBytes = bindAddr.IP.To16()
		}
		port = bindAddr.Port
	}

	response := make([]byte, 0, 6+len(addrBytes))
	response = append(response, socksVersion, byte(reply), 0x00, atyp)
	response = append(response, addrBytes...)
	var portBytes [2]byte
	binary.BigEndian.PutUint16(portBytes[:], uint16(port))
	response = append(response, portBytes[:]...)

	_, err := conn.Write(response)
	return errors.Trace(err)
}

// netError wraps negotiation failures as temporary errors, in the manner of
// net package errors, so accept loops keep running.
type netError struct {
	error
	temporary bool
}

func (e *netError) Timeout() bool   { return false }
func (e *netError) Temporary() bool { return e.temporary }
