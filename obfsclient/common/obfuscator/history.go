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

package obfuscator

import (
	"encoding/hex"
	"time"

	"github.com/supertanglang/obfsclient/obfsclient/common"
	lrucache "github.com/cognusion/go-cache-lru"
)

const (
	HISTORY_SEED_TTL           = 24 * time.Hour
	HISTORY_SEED_MAX_ENTRIES   = 100000
	HISTORY_BRIDGE_TTL         = 2 * time.Minute
	HISTORY_BRIDGE_MAX_ENTRIES = 10000
)

// SeedHistory maintains a history of recently observed responder seed
// values. A fresh RESP_SEED is expected on every obfs2 handshake; a
// duplicate indicates a replayed handshake or a responder with a broken
// entropy source, and is reported as an irregular event.
//
// As a heuristic to exclude expected duplicates, due to, for example, a
// concurrent reconnect race against the same bridge, the bridge address is
// retained for comparison for a short duration.
type SeedHistory struct {
	seedTTL          time.Duration
	seedToTime       *lrucache.Cache
	seedToBridgeAddr *lrucache.Cache
}

// SeedHistoryConfig overrides the default history dimensions. All fields
// are optional.
type SeedHistoryConfig struct {
	SeedTTL          time.Duration
	SeedMaxEntries   int
	BridgeTTL        time.Duration
	BridgeMaxEntries int
}

// NewSeedHistory creates a new SeedHistory. Config is optional.
func NewSeedHistory(config *SeedHistoryConfig) *SeedHistory {

	// Default TTL and MAX_ENTRIES bound the amount of memory used while
	// retaining an effective history size for a client-scale session count.
	//
	// Limitation: as go-cache-lru does not support iterating over all items
	// without copying the cache, the bridge address with its shorter TTL is
	// stored in a second, smaller cache rather than the same cache with a
	// pruner. The seed key is stored twice, once in each cache.

	useConfig := SeedHistoryConfig{
		SeedTTL:          HISTORY_SEED_TTL,
		SeedMaxEntries:   HISTORY_SEED_MAX_ENTRIES,
		BridgeTTL:        HISTORY_BRIDGE_TTL,
		BridgeMaxEntries: HISTORY_BRIDGE_MAX_ENTRIES,
	}

	if config != nil {
		if config.SeedTTL != 0 {
			useConfig.SeedTTL = config.SeedTTL
		}
		if config.SeedMaxEntries != 0 {
			useConfig.SeedMaxEntries = config.SeedMaxEntries
		}
		if config.BridgeTTL != 0 {
			useConfig.BridgeTTL = config.BridgeTTL
		}
		if config.BridgeMaxEntries != 0 {
			useConfig.BridgeMaxEntries = config.BridgeMaxEntries
		}
	}

	return &SeedHistory{
		seedTTL: useConfig.SeedTTL,

		seedToTime: lrucache.NewWithLRU(
			useConfig.SeedTTL,
			1*time.Minute,
			useConfig.SeedMaxEntries),

		seedToBridgeAddr: lrucache.NewWithLRU(
			useConfig.BridgeTTL,
			30*time.Second,
			useConfig.BridgeMaxEntries),
	}
}

// AddNew adds a new responder seed value to the history. If the seed value
// is already in the history, and an expected case such as a reconnect race
// is ruled out (or strictMode is on), AddNew returns false.
//
// When a duplicate seed is found, a common.LogFields instance is returned,
// populated with event data. Log fields may be returned in either the false
// or true case.
func (h *SeedHistory) AddNew(
	strictMode bool,
	bridgeAddr string,
	seedType string,
	seed []byte) (bool, *common.LogFields) {

	key := string(seed)

	// Limitation: go-cache-lru does not support atomically setting an unset
	// key while returning the existing value. There is an unlikely
	// possibility that this Add and the following Get don't see the same
	// existing key/value state.

	if h.seedToTime.Add(key, time.Now(), 0) == nil {
		// Seed was not already in cache
		h.seedToBridgeAddr.Set(key, bridgeAddr, 0)
		return true, nil
	}

	previousTime, ok := h.seedToTime.Get(key)
	if !ok {
		// Inconsistent Add/Get state: assume the cache item just expired.
		previousTime = time.Now().Add(-h.seedTTL)
	}

	logFields := common.LogFields{
		"duplicate_seed":            hex.EncodeToString(seed),
		"duplicate_seed_type":       seedType,
		"duplicate_elapsed_time_ms": int64(time.Since(previousTime.(time.Time)) / time.Millisecond),
	}

	previousBridgeAddr, ok := h.seedToBridgeAddr.Get(key)
	if ok {
		if bridgeAddr == previousBridgeAddr.(string) {
			logFields["duplicate_bridge_addr"] = "equal"
			return !strictMode, &logFields
		}
		logFields["duplicate_bridge_addr"] = "unequal"
		return false, &logFields
	}

	logFields["duplicate_bridge_addr"] = "unknown"
	return false, &logFields
}
