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
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/supertanglang/obfsclient/obfsclient/common"
	"github.com/supertanglang/obfsclient/obfsclient/common/errors"
	"github.com/supertanglang/obfsclient/obfsclient/common/stacktrace"
)

// ContextLogger adds context logging functionality to the underlying
// logging package.
type ContextLogger struct {
	*logrus.Logger
}

// LogFields is an alias for the leaf packages' log field type.
type LogFields = common.LogFields

// WithTrace adds a "context" field containing the caller's function name
// and source file line number. Use this function when the log has no
// fields.
func (logger *ContextLogger) WithTrace() *logrus.Entry {
	return logger.WithFields(
		logrus.Fields{
			"context": stacktrace.GetParentFunctionName(),
		})
}

// WithTraceFields adds a "context" field containing the caller's function
// name and source file line number. Use this function when the log has
// fields. Note that any existing "context" field will be renamed to
// "fields.context".
func (logger *ContextLogger) WithTraceFields(fields LogFields) *logrus.Entry {
	_, ok := fields["context"]
	if ok {
		fields["fields.context"] = fields["context"]
	}
	fields["context"] = stacktrace.GetParentFunctionName()
	return logger.WithFields(logrus.Fields(fields))
}

var log = newDiscardLogger()

func newDiscardLogger() *ContextLogger {
	logger := logrus.New()
	logger.Out = io.Discard
	return &ContextLogger{Logger: logger}
}

// InitLogging configures the package logger. Logs are written as JSON
// records to the given file, typically under the pluggable transport state
// directory; stdout is reserved for the PT configuration protocol. An empty
// filename logs to stderr.
func InitLogging(filename string, debug bool) error {

	logger := logrus.New()

	logger.Formatter = &logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	}

	logger.Level = logrus.InfoLevel
	if debug {
		logger.Level = logrus.DebugLevel
	}

	if filename != "" {
		file, err := os.OpenFile(
			filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return errors.Trace(err)
		}
		logger.Out = file
	} else {
		logger.Out = os.Stderr
	}

	log = &ContextLogger{Logger: logger}

	return nil
}
