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

package socks

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/proxy"
)

type acceptResult struct {
	conn *Conn
	err  error
}

func startTestListener(
	t *testing.T, config *ListenerConfig) (*Listener, chan acceptResult) {

	listener, err := Listen("tcp", "127.0.0.1:0", config)
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	results := make(chan acceptResult, 1)
	go func() {
		conn, err := listener.AcceptSocks()
		results <- acceptResult{conn: conn, err: err}
	}()

	return listener, results
}

func dialTestListener(t *testing.T, listener *Listener) net.Conn {
	conn, err := net.DialTimeout(
		"tcp", listener.Addr().String(), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestNoAuthConnect(t *testing.T) {

	listener, results := startTestListener(t, nil)
	client := dialTestListener(t, listener)

	// Method negotiation
	_, err := client.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)
	response := make([]byte, 2)
	_, err = io.ReadFull(client, response)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x05, 0x00}, response)

	// CONNECT 93.184.216.34:443
	_, err = client.Write(
		[]byte{0x05, 0x01, 0x00, 0x01, 93, 184, 216, 34, 0x01, 0xBB})
	require.NoError(t, err)

	result := <-results
	require.NoError(t, result.err)
	require.NotNil(t, result.conn.Req)
	assert.Equal(t, "93.184.216.34", result.conn.Req.TargetHost)
	assert.Equal(t, 443, result.conn.Req.TargetPort)
	assert.Equal(t, "93.184.216.34:443", result.conn.Req.Target())
	assert.False(t, result.conn.Req.HostIsDomain)
	assert.Nil(t, result.conn.Req.Auth)

	// Grant and check the reply record
	err = result.conn.Grant(
		&net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1080})
	require.NoError(t, err)

	reply := make([]byte, 10)
	_, err = io.ReadFull(client, reply)
	require.NoError(t, err)
	assert.Equal(t,
		[]byte{0x05, 0x00, 0x00, 0x01, 127, 0, 0, 1, 0x04, 0x38}, reply)
}

func TestUsernamePassword(t *testing.T) {

	listener, results := startTestListener(
		t, &ListenerConfig{WantsAuth: true})
	client := dialTestListener(t, listener)

	_, err := client.Write([]byte{0x05, 0x02, 0x00, 0x02})
	require.NoError(t, err)
	response := make([]byte, 2)
	_, err = io.ReadFull(client, response)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x05, 0x02}, response)

	// RFC 1929 subnegotiation; the fields are opaque transport args.
	subnegotiation := []byte{0x01, 0x04}
	subnegotiation = append(subnegotiation, []byte("user")...)
	subnegotiation = append(subnegotiation, 0x08)
	subnegotiation = append(subnegotiation, []byte("password")...)
	_, err = client.Write(subnegotiation)
	require.NoError(t, err)
	_, err = io.ReadFull(client, response)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x00}, response)

	_, err = client.Write(
		[]byte{0x05, 0x01, 0x00, 0x01, 192, 0, 2, 1, 0x00, 0x50})
	require.NoError(t, err)

	result := <-results
	require.NoError(t, result.err)
	require.NotNil(t, result.conn.Req.Auth)
	assert.Equal(t, "user", result.conn.Req.Auth.Username)
	assert.Equal(t, "password", result.conn.Req.Auth.Password)
}

func TestDomainConnect(t *testing.T) {

	listener, results := startTestListener(t, nil)
	client := dialTestListener(t, listener)

	_, err := client.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)
	response := make([]byte, 2)
	_, err = io.ReadFull(client, response)
	require.NoError(t, err)

	request := []byte{0x05, 0x01, 0x00, 0x03, 0x0B}
	request = append(request, []byte("example.com")...)
	request = append(request, 0x01, 0xBB)
	_, err = client.Write(request)
	require.NoError(t, err)

	result := <-results
	require.NoError(t, result.err)
	assert.Equal(t, "example.com", result.conn.Req.TargetHost)
	assert.True(t, result.conn.Req.HostIsDomain)
	assert.Equal(t, 443, result.conn.Req.TargetPort)
}

func TestUnsupportedCommand(t *testing.T) {

	listener, results := startTestListener(t, nil)
	client := dialTestListener(t, listener)

	_, err := client.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)
	response := make([]byte, 2)
	_, err = io.ReadFull(client, response)
	require.NoError(t, err)

	// BIND
	_, err = client.Write(
		[]byte{0x05, 0x02, 0x00, 0x01, 192, 0, 2, 1, 0x00, 0x50})
	require.NoError(t, err)

	// COMMAND_NOT_SUPPORTED reply precedes the close.
	reply := make([]byte, 10)
	_, err = io.ReadFull(client, reply)
	require.NoError(t, err)
	assert.Equal(t, byte(ReplyCommandNotSupported), reply[1])

	result := <-results
	require.Error(t, result.err)
	netErr, ok := result.err.(net.Error)
	require.True(t, ok)
	assert.True(t, netErr.Temporary())
}

func TestMalformedVersion(t *testing.T) {

	listener, results := startTestListener(t, nil)
	client := dialTestListener(t, listener)

	_, err := client.Write([]byte{0x04, 0x01, 0x00})
	require.NoError(t, err)

	result := <-results
	require.Error(t, result.err)
}

func TestNoAcceptableMethods(t *testing.T) {

	listener, results := startTestListener(t, nil)
	client := dialTestListener(t, listener)

	// GSSAPI only
	_, err := client.Write([]byte{0x05, 0x01, 0x01})
	require.NoError(t, err)
	response := make([]byte, 2)
	_, err = io.ReadFull(client, response)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x05, 0xFF}, response)

	result := <-results
	require.Error(t, result.err)
}

// TestProxyClient drives the listener with a stock SOCKS5 client.
func TestProxyClient(t *testing.T) {

	listener, err := Listen("tcp", "127.0.0.1:0", nil)
	require.NoError(t, err)
	defer listener.Close()

	go func() {
		for {
			conn, err := listener.AcceptSocks()
			if err != nil {
				if e, ok := err.(net.Error); ok && e.Temporary() {
					continue
				}
				return
			}
			go func(conn *Conn) {
				defer conn.Close()
				err := conn.Grant(
					&net.TCPAddr{IP: net.IPv4zero, Port: 0})
				if err != nil {
					return
				}
				// Echo
				io.Copy(conn, conn)
			}(conn)
		}
	}()

	dialer, err := proxy.SOCKS5(
		"tcp", listener.Addr().String(), nil, proxy.Direct)
	require.NoError(t, err)

	conn, err := dialer.Dial("tcp", "192.0.2.1:443")
	require.NoError(t, err)
	defer conn.Close()

	message := []byte("obfuscate all the things")
	_, err = conn.Write(message)
	require.NoError(t, err)
	echo := make([]byte, len(message))
	_, err = io.ReadFull(conn, echo)
	require.NoError(t, err)
	assert.Equal(t, message, echo)
}
