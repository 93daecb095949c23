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

	"github.com/supertanglang/obfsclient/obfsclient/common/obfuscator"
	"github.com/supertanglang/obfsclient/obfsclient/common/prng"
	"github.com/supertanglang/obfsclient/obfsclient/common/socks"
)

// OBFS2_METHOD_NAME is the pluggable transport method name.
const OBFS2_METHOD_NAME = "obfs2"

// Obfs2Session is the obfs2 client transport: the initiator side of the
// obfs2 handshake followed by the AES-128-CTR stream splice. The RFC 1929
// per-session args, when present, are ignored; obfs2 takes no parameters.
type Obfs2Session struct {
	BaseSession

	obfs        *obfuscator.Obfs2
	seedHistory *obfuscator.SeedHistory

	receivedSeedHeader bool
	responderPadLength int
}

// NewObfs2SessionFactory returns a SessionFactory producing obfs2 client
// sessions. seedHistory is shared across the method's sessions and is
// optional.
func NewObfs2SessionFactory(seedHistory *obfuscator.SeedHistory) SessionFactory {
	return func(
		server *Socks5Server,
		incoming *socks.Conn,
		outgoing net.Conn) (Session, error) {

		// Cipher contexts and the staged seed message are acquired at
		// session construction; they are released, and seeds zeroed, in
		// Teardown.

		paddingPRNG, err := prng.NewPRNG()
		if err != nil {
			return nil, err
		}

		obfs, err := obfuscator.NewObfs2Initiator(paddingPRNG)
		if err != nil {
			return nil, err
		}

		session := &Obfs2Session{
			obfs:        obfs,
			seedHistory: seedHistory,
		}
		session.initBaseSession(server, session, incoming, outgoing)

		return session, nil
	}
}

// OnOutgoingConnected emits the initiator seed message:
// INIT_SEED | E(MAGIC | PADLEN) | E(padding).
func (session *Obfs2Session) OnOutgoingConnected() bool {

	log.WithTraceFields(LogFields{
		"method": OBFS2_METHOD_NAME,
		"peer":   session.PeerAddr(),
	}).Debug("starting obfs2 handshake")

	err := session.WriteOutgoing(session.obfs.SendSeedMessage())
	if err != nil {
		log.WithTraceFields(LogFields{
			"method": OBFS2_METHOD_NAME,
			"peer":   session.PeerAddr(),
		}).Warning("failed to send seed message")
		return session.SendSocks5Response(socks.ReplyGeneralFailure)
	}

	return true
}

// OnOutgoingDataConnecting ingests the responder handshake: RESP_SEED, the
// encrypted header, and the responder padding, consumed across however many
// reads deliver them.
func (session *Obfs2Session) OnOutgoingDataConnecting(recvBuffer *bytes.Buffer) bool {

	if !session.receivedSeedHeader {

		if recvBuffer.Len() <
			obfuscator.OBFS2_SEED_LENGTH+obfuscator.OBFS2_HEADER_LENGTH {
			return true
		}

		respSeed := recvBuffer.Next(obfuscator.OBFS2_SEED_LENGTH)

		if session.seedHistory != nil {
			ok, logFields := session.seedHistory.AddNew(
				false,
				session.outgoing.RemoteAddr().String(),
				"obfs2-responder-seed",
				respSeed)
			if logFields != nil {
				fields := LogFields{
					"method": OBFS2_METHOD_NAME,
					"peer":   session.PeerAddr(),
				}
				fields.Add(*logFields)
				log.WithTraceFields(fields).Warning("duplicate responder seed")
			}
			if !ok {
				return session.SendSocks5Response(socks.ReplyGeneralFailure)
			}
		}

		err := session.obfs.SetResponderSeed(respSeed)
		if err != nil {
			return session.SendSocks5Response(socks.ReplyGeneralFailure)
		}

		header := recvBuffer.Next(obfuscator.OBFS2_HEADER_LENGTH)
		padLength, err := session.obfs.ReadResponderHeader(header)
		if err != nil {
			log.WithTraceFields(LogFields{
				"method": OBFS2_METHOD_NAME,
				"peer":   session.PeerAddr(),
				"error":  err,
			}).Warning("invalid responder header")
			return session.SendSocks5Response(socks.ReplyGeneralFailure)
		}

		err = session.obfs.InitSessionKeys()
		if err != nil {
			return session.SendSocks5Response(socks.ReplyGeneralFailure)
		}

		session.receivedSeedHeader = true
		session.responderPadLength = padLength
	}

	// Discard the responder padding; it may span multiple reads. The
	// ciphertext is dropped without decryption, as the data-phase ciphers
	// start fresh from their derived IVs.
	if session.responderPadLength > 0 {
		discard := session.responderPadLength
		if discard > recvBuffer.Len() {
			discard = recvBuffer.Len()
		}
		recvBuffer.Next(discard)
		session.responderPadLength -= discard
		if session.responderPadLength > 0 {
			return true
		}
	}

	log.WithTraceFields(LogFields{
		"method": OBFS2_METHOD_NAME,
		"peer":   session.PeerAddr(),
	}).Debug("finished obfs2 handshake")

	return session.SendSocks5Response(socks.ReplySucceeded)
}

// OnOutgoingData decrypts bridge bytes through the responder stream and
// forwards them to the SOCKS client.
func (session *Obfs2Session) OnOutgoingData(data []byte) bool {
	session.obfs.ObfuscateResponderToInitiator(data)
	err := session.WriteIncoming(data)
	if err != nil {
		session.server.CloseSession(session)
		return false
	}
	return true
}

// OnIncomingData encrypts client bytes through the initiator stream and
// forwards them to the bridge.
func (session *Obfs2Session) OnIncomingData(data []byte) bool {
	session.obfs.ObfuscateInitiatorToResponder(data)
	err := session.WriteOutgoing(data)
	if err != nil {
		session.server.CloseSession(session)
		return false
	}
	return true
}

// Teardown zeroes the obfs2 keying material.
func (session *Obfs2Session) Teardown() {
	session.obfs.Teardown()
}
