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

package common

import (
	"regexp"
)

// SCRUBBED is the stable placeholder substituted for peer addresses in log
// output when address scrubbing is enabled.
const SCRUBBED = "[scrubbed]"

var scrubIPAddressAndPortRegex = regexp.MustCompile(
	// IPv4, optionally with port
	`(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}|` +
		// IPv6, optionally bracketed for a port suffix
		`\[?` +
		`(` +
		// Uncompressed IPv6; require 8 segments to avoid matching timestamps
		`(([a-fA-F0-9]{1,4}:){7}[a-fA-F0-9]{1,4})|` +
		// Compressed IPv6
		`([a-fA-F0-9:]*::[a-fA-F0-9:]+)|([a-fA-F0-9:]+::[a-fA-F0-9:]*)` +
		`)` +
		`\]?` +
		`)` +
		// Optional port number
		`(:\d+)?`)

// ScrubAddress replaces the peer address with the stable SCRUBBED
// placeholder when scrub is set. The address passes through unmodified in
// unsafe-logs mode.
func ScrubAddress(scrub bool, address string) string {
	if !scrub {
		return address
	}
	return SCRUBBED
}

// ScrubIPAddresses replaces all IP addresses, and optional ports, in the
// input with the SCRUBBED placeholder. Used to sanitize error strings which
// may embed peer addresses, e.g. from net.OpError.
func ScrubIPAddresses(s string) string {
	return scrubIPAddressAndPortRegex.ReplaceAllString(s, SCRUBBED)
}
