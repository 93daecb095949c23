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

// obfsclient is a client-side pluggable transport proxy. It is launched by
// a host such as Tor, speaks the managed pluggable transport configuration
// protocol on stdin/stdout, and runs one local SOCKS5 listener per
// supported obfuscation method. Each accepted connection is bridged,
// through the method's obfuscation layer, to the bridge address supplied
// as the SOCKS5 destination.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	pt "github.com/Psiphon-Labs/goptlib"
	"github.com/supertanglang/obfsclient/obfsclient"
	"github.com/supertanglang/obfsclient/obfsclient/common/obfuscator"
)

const (
	programName = "obfsclient"
	version     = "0.0.2"

	logFileName = "obfsclient.log"

	exitStatusSuccess = 0
	exitStatusUsage   = 1

	// The host treats any bootstrap failure before CMETHODS DONE as fatal;
	// the negative status mirrors the managed-proxy convention.
	exitStatusPTError = -1
)

// shutdownState drives the staged signal handling: the first signal stops
// accepting, the second terminates live sessions, and the third exits
// immediately.
type shutdownState int

const (
	stateRunning shutdownState = iota
	stateClosingListeners
	stateClosingSessions
	stateExiting
)

func main() {
	os.Exit(run())
}

func run() int {

	flagSet := flag.NewFlagSet(programName, flag.ContinueOnError)
	debug := flagSet.Bool(
		"debug", false, "enable debug logging")
	unsafeLogs := flagSet.Bool(
		"unsafeLogs", false, "disable peer address scrubbing in logs")
	showVersion := flagSet.Bool(
		"version", false, "print version and exit")
	err := flagSet.Parse(os.Args[1:])
	if err != nil {
		return exitStatusUsage
	}

	if *showVersion {
		fmt.Printf("%s %s\n", programName, version)
		return exitStatusSuccess
	}

	// Client-side operation only.
	if os.Getenv("TOR_PT_SERVER_TRANSPORTS") != "" {
		fmt.Fprintf(os.Stderr, "%s: server operation not supported\n", programName)
		return exitStatusPTError
	}

	supportedMethods := []string{obfsclient.OBFS2_METHOD_NAME}

	ptInfo, err := pt.ClientSetup(supportedMethods)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", programName, err)
		return exitStatusPTError
	}

	stateDir, err := pt.MakeStateDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", programName, err)
		return exitStatusPTError
	}

	err = obfsclient.InitLogging(filepath.Join(stateDir, logFileName), *debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", programName, err)
		return exitStatusPTError
	}

	obfsclient.NoticeBanner(programName, version)

	scrubAddresses := !*unsafeLogs

	var servers []*obfsclient.Socks5Server
	for _, methodName := range ptInfo.MethodNames {
		switch methodName {
		case obfsclient.OBFS2_METHOD_NAME:
			server := obfsclient.NewSocks5Server(
				&obfsclient.Socks5ServerConfig{
					MethodName: methodName,
					Factory: obfsclient.NewObfs2SessionFactory(
						obfuscator.NewSeedHistory(nil)),
					ScrubAddresses: scrubAddresses,
				})
			err := server.Bind()
			if err != nil {
				pt.CmethodError(methodName, "bind failed")
				continue
			}
			pt.Cmethod(methodName, "socks5", server.Addr())
			servers = append(servers, server)
		default:
			pt.CmethodError(methodName, "no such method")
		}
	}
	pt.CmethodsDone()

	if len(servers) == 0 {
		obfsclient.NoticeNoTransports()
		return exitStatusSuccess
	}

	signals := make(chan os.Signal, 4)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	state := stateRunning
	for state != stateExiting {
		<-signals
		switch state {
		case stateRunning:
			obfsclient.NoticeShutdownStage("closing listeners")
			for _, server := range servers {
				server.Close()
			}
			state = stateClosingListeners
		case stateClosingListeners:
			obfsclient.NoticeShutdownStage("closing sessions")
			for _, server := range servers {
				server.CloseSessions()
			}
			state = stateClosingSessions
		default:
			state = stateExiting
		}
	}

	return exitStatusSuccess
}
