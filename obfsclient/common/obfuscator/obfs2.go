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

Package obfuscator implements the obfs2 ("The Twobfuscator") handshake, key
derivation, and stream ciphers:
https://gitlab.torproject.org/tpo/anti-censorship/pluggable-transports/obfsproxy/-/blob/master/doc/obfs2/obfs2-protocol-spec.txt

Limitation: obfs2 provides obfuscation, not confidentiality or integrity
against an active man in the middle. The "magic" value provides only weak
authentication due to its small size. New protocols and schemes should not
use this construction.

*/
package obfuscator

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"

	"github.com/supertanglang/obfsclient/obfsclient/common"
	"github.com/supertanglang/obfsclient/obfsclient/common/errors"
	"github.com/supertanglang/obfsclient/obfsclient/common/prng"
)

const (
	OBFS2_SEED_LENGTH   = 16
	OBFS2_KEY_LENGTH    = 16
	OBFS2_MAX_PADDING   = 8192
	OBFS2_MAGIC_VALUE   = 0x2BF5CA7E
	OBFS2_HEADER_LENGTH = 8

	OBFS2_INITIATOR_PAD_LABEL  = "Initiator obfuscation padding"
	OBFS2_RESPONDER_PAD_LABEL  = "Responder obfuscation padding"
	OBFS2_INITIATOR_DATA_LABEL = "Initiator obfuscated data"
	OBFS2_RESPONDER_DATA_LABEL = "Responder obfuscated data"
)

var (
	// ErrInvalidMagic is the failure to validate the peer's decrypted
	// handshake magic value.
	ErrInvalidMagic = errors.TraceNew("invalid magic value")

	// ErrInvalidPaddingLength is a peer handshake padding length outside
	// [0, OBFS2_MAX_PADDING].
	ErrInvalidPaddingLength = errors.TraceNew("invalid padding length")
)

// Obfs2 implements the initiator side of the obfs2 handshake and the
// post-handshake stream ciphers. The wire format, from the initiator:
//
//	INIT_SEED(16) | E_initpad(UINT32(MAGIC) | UINT32(PADLEN)) | E_initpad(pad[PADLEN])
//
// followed by payload under the KDF-derived initiator cipher. The responder
// sends the mirror image under its own seed and labels.
type Obfs2 struct {
	initSeed        []byte
	respSeed        []byte
	initiatorCipher cipher.Stream
	responderCipher cipher.Stream
	seedMessage     []byte
	paddingLength   int
	keyedForData    bool
}

// Mac computes the obfs2 MAC: SHA-256(key | message | key). This is not
// HMAC; the construction must be reproduced bit-exact for interoperability.
// Both key and message must be non-empty.
func Mac(key, message []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, errors.TraceNew("empty key")
	}
	if len(message) == 0 {
		return nil, errors.TraceNew("empty message")
	}
	h := sha256.New()
	h.Write(key)
	h.Write(message)
	h.Write(key)
	return h.Sum(nil), nil
}

// newSeedCipher derives an AES-128-CTR stream from MAC(label, seed): the
// first 16 bytes of the MAC output are the AES key and the remaining 16
// bytes are the CTR IV. The obfs2 spec neglects to specify the IV
// derivation; the de-facto behavior is "remaining bytes of the MAC output"
// and this must be matched.
func newSeedCipher(label string, seed []byte) (cipher.Stream, error) {
	secret, err := Mac([]byte(label), seed)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer common.ZeroBytes(secret)
	return newCTRStream(secret)
}

// newCTRStream splits a 32-byte secret into an AES-128 key and CTR IV. The
// counter is the IV block treated as a big-endian integer, incremented once
// per 16-byte block, which is crypto/cipher.NewCTR's behavior.
func newCTRStream(secret []byte) (cipher.Stream, error) {
	if len(secret) != sha256.Size {
		return nil, errors.TraceNew("unexpected secret length")
	}
	block, err := aes.NewCipher(secret[0:OBFS2_KEY_LENGTH])
	if err != nil {
		return nil, errors.Trace(err)
	}
	return cipher.NewCTR(block, secret[OBFS2_KEY_LENGTH:]), nil
}

// obfs2PaddingLength draws a padding length in [0, OBFS2_MAX_PADDING] by
// rejection sampling: a 32-bit draw is masked with 0x2FFF and rejected
// while greater than OBFS2_MAX_PADDING. As 0x2FFF keeps only bits 0-11 and
// bit 13, the accepted values are 0 through 4095 and 8192, each equally
// likely; lengths 4096 through 8191 are never drawn. The mask is preserved
// for indistinguishability from existing implementations.
func obfs2PaddingLength(paddingPRNG *prng.PRNG) int {
	for {
		padLen := paddingPRNG.Uint32() & 0x2FFF
		if padLen <= OBFS2_MAX_PADDING {
			return int(padLen)
		}
	}
}

// NewObfs2Initiator creates a new initiator-side Obfs2, staging a seed
// message to be sent to the responder (by the caller) and keying the
// initiator handshake cipher.
//
// paddingPRNG drives the padding length draw and padding content and must
// not be nil; INIT_SEED itself is always drawn from crypto/rand.
func NewObfs2Initiator(paddingPRNG *prng.PRNG) (*Obfs2, error) {

	if paddingPRNG == nil {
		return nil, errors.TraceNew("missing padding PRNG")
	}

	initSeed, err := common.MakeSecureRandomBytes(OBFS2_SEED_LENGTH)
	if err != nil {
		return nil, errors.Trace(err)
	}

	initiatorCipher, err := newSeedCipher(OBFS2_INITIATOR_PAD_LABEL, initSeed)
	if err != nil {
		common.ZeroBytes(initSeed)
		return nil, errors.Trace(err)
	}

	paddingLength := obfs2PaddingLength(paddingPRNG)

	// Seed message: INIT_SEED in the clear, then the header and padding
	// encrypted under the initiator handshake cipher. Padding is encrypted
	// (either variant is interoperable, as the responder discards it); the
	// data-phase ciphers are derived afresh in InitSessionKeys.

	seedMessage := make([]byte, OBFS2_SEED_LENGTH+OBFS2_HEADER_LENGTH+paddingLength)
	copy(seedMessage, initSeed)
	header := seedMessage[OBFS2_SEED_LENGTH : OBFS2_SEED_LENGTH+OBFS2_HEADER_LENGTH]
	binary.BigEndian.PutUint32(header[0:4], OBFS2_MAGIC_VALUE)
	binary.BigEndian.PutUint32(header[4:8], uint32(paddingLength))
	padding := seedMessage[OBFS2_SEED_LENGTH+OBFS2_HEADER_LENGTH:]
	paddingPRNG.Read(padding)
	initiatorCipher.XORKeyStream(
		seedMessage[OBFS2_SEED_LENGTH:], seedMessage[OBFS2_SEED_LENGTH:])

	return &Obfs2{
		initSeed:        initSeed,
		initiatorCipher: initiatorCipher,
		seedMessage:     seedMessage,
		paddingLength:   paddingLength,
	}, nil
}

// SendSeedMessage returns the seed message created in NewObfs2Initiator,
// removing the reference so that it may be garbage collected.
func (o *Obfs2) SendSeedMessage() []byte {
	seedMessage := o.seedMessage
	o.seedMessage = nil
	return seedMessage
}

// GetPaddingLength returns the initiator seed message padding length.
func (o *Obfs2) GetPaddingLength() int {
	return o.paddingLength
}

// SetResponderSeed consumes RESP_SEED and keys the responder handshake
// cipher with the derived RESP_PAD_KEY.
func (o *Obfs2) SetResponderSeed(respSeed []byte) error {
	if len(respSeed) != OBFS2_SEED_LENGTH {
		return errors.TraceNew("unexpected seed length")
	}
	if o.respSeed != nil {
		return errors.TraceNew("responder seed already set")
	}
	o.respSeed = append([]byte(nil), respSeed...)
	responderCipher, err := newSeedCipher(OBFS2_RESPONDER_PAD_LABEL, o.respSeed)
	if err != nil {
		return errors.Trace(err)
	}
	o.responderCipher = responderCipher
	return nil
}

// ReadResponderHeader decrypts the 8-byte responder handshake header,
// validates the magic value, and returns the responder padding length.
//
// The magic value must be validated before acting on the padding length, as
// padding length validation alone is vulnerable to a chosen ciphertext
// probing attack.
func (o *Obfs2) ReadResponderHeader(header []byte) (int, error) {
	if len(header) != OBFS2_HEADER_LENGTH {
		return 0, errors.TraceNew("unexpected header length")
	}
	if o.responderCipher == nil {
		return 0, errors.TraceNew("responder seed not set")
	}
	o.responderCipher.XORKeyStream(header, header)
	magicValue := binary.BigEndian.Uint32(header[0:4])
	paddingLength := binary.BigEndian.Uint32(header[4:8])
	if magicValue != OBFS2_MAGIC_VALUE {
		return 0, ErrInvalidMagic
	}
	if paddingLength > OBFS2_MAX_PADDING {
		return 0, ErrInvalidPaddingLength
	}
	return int(paddingLength), nil
}

// InitSessionKeys derives the data-phase keys from both seeds and re-keys
// both stream ciphers:
//
//	INIT_SECRET = MAC("Initiator obfuscated data", INIT_SEED | RESP_SEED)
//	RESP_SECRET = MAC("Responder obfuscated data", INIT_SEED | RESP_SEED)
//
// with key = SECRET[0:16] and CTR IV = SECRET[16:32] for each direction.
// The responder padding which follows the header on the wire is discarded
// by the caller without decryption; the data-phase ciphers start at their
// derived IVs.
func (o *Obfs2) InitSessionKeys() error {

	if o.respSeed == nil {
		return errors.TraceNew("responder seed not set")
	}
	if o.keyedForData {
		return errors.TraceNew("session keys already derived")
	}

	sessionSeed := make([]byte, 0, 2*OBFS2_SEED_LENGTH)
	sessionSeed = append(sessionSeed, o.initSeed...)
	sessionSeed = append(sessionSeed, o.respSeed...)
	defer common.ZeroBytes(sessionSeed)

	initSecret, err := Mac([]byte(OBFS2_INITIATOR_DATA_LABEL), sessionSeed)
	if err != nil {
		return errors.Trace(err)
	}
	defer common.ZeroBytes(initSecret)

	respSecret, err := Mac([]byte(OBFS2_RESPONDER_DATA_LABEL), sessionSeed)
	if err != nil {
		return errors.Trace(err)
	}
	defer common.ZeroBytes(respSecret)

	initiatorCipher, err := newCTRStream(initSecret)
	if err != nil {
		return errors.Trace(err)
	}
	responderCipher, err := newCTRStream(respSecret)
	if err != nil {
		return errors.Trace(err)
	}

	o.initiatorCipher = initiatorCipher
	o.responderCipher = responderCipher
	o.keyedForData = true

	return nil
}

// ObfuscateInitiatorToResponder applies the initiator stream to the bytes
// in buffer, in place. Used for data from the local client, bound for the
// remote bridge.
func (o *Obfs2) ObfuscateInitiatorToResponder(buffer []byte) {
	o.initiatorCipher.XORKeyStream(buffer, buffer)
}

// ObfuscateResponderToInitiator applies the responder stream to the bytes
// in buffer, in place. Used for data from the remote bridge, bound for the
// local client.
func (o *Obfs2) ObfuscateResponderToInitiator(buffer []byte) {
	o.responderCipher.XORKeyStream(buffer, buffer)
}

// IsKeyedForData indicates whether InitSessionKeys has completed.
func (o *Obfs2) IsKeyedForData() bool {
	return o.keyedForData
}

// Teardown zeroes the seed material. The AES cipher contexts hold expanded
// key schedules which cannot be explicitly wiped through the crypto/cipher
// interface; dropping the Obfs2 releases them to the collector.
func (o *Obfs2) Teardown() {
	common.ZeroBytes(o.initSeed, o.respSeed, o.seedMessage)
	o.initSeed = nil
	o.respSeed = nil
	o.seedMessage = nil
	o.initiatorCipher = nil
	o.responderCipher = nil
}
