// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package hook

import (
	"fmt"
	"io"

	"github.com/juju/loggo/v2"
)

// LogWriter is a loggo.Writer that sends log entries to the unit log
// through the juju-log hook tool.
type LogWriter struct {
	tools  Tools
	errOut io.Writer

	// writing guards against entries logged while juju-log itself runs.
	writing bool
}

// NewLogWriter returns a LogWriter using tools. Failures to deliver an entry
// are reported on errOut.
func NewLogWriter(tools Tools, errOut io.Writer) *LogWriter {
	return &LogWriter{tools: tools, errOut: errOut}
}

// Write is part of the loggo.Writer interface.
func (w *LogWriter) Write(entry loggo.Entry) {
	if w.writing {
		return
	}
	w.writing = true
	defer func() { w.writing = false }()

	message := entry.Message
	if entry.Module != "" {
		message = fmt.Sprintf("%s: %s", entry.Module, entry.Message)
	}
	if err := w.tools.Log(entry.Level.String(), message); err != nil {
		fmt.Fprintf(w.errOut, "cannot write to juju-log: %v\n", err)
	}
}
