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

package prng

import (
	"bytes"
	"testing"
)

func TestSeededReplay(t *testing.T) {

	seed, err := NewSeed()
	if err != nil {
		t.Fatalf("NewSeed failed: %s", err)
	}

	bytes1 := NewPRNGWithSeed(seed).Bytes(1024)
	bytes2 := NewPRNGWithSeed(seed).Bytes(1024)

	if !bytes.Equal(bytes1, bytes2) {
		t.Fatalf("same seed did not replay the same stream")
	}

	otherSeed, err := NewSeed()
	if err != nil {
		t.Fatalf("NewSeed failed: %s", err)
	}
	bytes3 := NewPRNGWithSeed(otherSeed).Bytes(1024)

	if bytes.Equal(bytes1, bytes3) {
		t.Fatalf("different seeds produced the same stream")
	}
}

func TestSaltedSeed(t *testing.T) {

	seed, err := NewSeed()
	if err != nil {
		t.Fatalf("NewSeed failed: %s", err)
	}

	salted1, err := NewSaltedSeed(seed, "salt1")
	if err != nil {
		t.Fatalf("NewSaltedSeed failed: %s", err)
	}
	salted2, err := NewSaltedSeed(seed, "salt2")
	if err != nil {
		t.Fatalf("NewSaltedSeed failed: %s", err)
	}

	if bytes.Equal(salted1[:], salted2[:]) {
		t.Fatalf("distinct salts produced the same seed")
	}
}

func TestRange(t *testing.T) {

	p, err := NewPRNG()
	if err != nil {
		t.Fatalf("NewPRNG failed: %s", err)
	}

	min, max := 10, 20
	sawMin, sawMax := false, false
	for i := 0; i < 100000; i++ {
		value := p.Range(min, max)
		if value < min || value > max {
			t.Fatalf("value out of range: %d", value)
		}
		if value == min {
			sawMin = true
		}
		if value == max {
			sawMax = true
		}
	}
	if !sawMin || !sawMax {
		t.Fatalf("range endpoints never drawn")
	}
}

func TestPadding(t *testing.T) {

	p, err := NewPRNG()
	if err != nil {
		t.Fatalf("NewPRNG failed: %s", err)
	}

	for i := 0; i < 1000; i++ {
		padding := p.Padding(0, 256)
		if len(padding) > 256 {
			t.Fatalf("padding too long: %d", len(padding))
		}
	}
}
