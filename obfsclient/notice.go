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
	"os"
)

// NoticeBanner logs the startup banner.
func NoticeBanner(programName, version string) {
	log.WithTraceFields(LogFields{
		"version": version,
		"pid":     os.Getpid(),
	}).Info(programName + " initialized")
}

// NoticeNoTransports logs that the host requested no supported transport.
func NoticeNoTransports() {
	log.WithTrace().Info("no supported transports found, exiting")
}

// NoticeShutdownStage logs a staged-shutdown transition.
func NoticeShutdownStage(stage string) {
	log.WithTraceFields(LogFields{"stage": stage}).Info("shutdown")
}
