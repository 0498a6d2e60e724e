// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jrick/logrotate/rotator"

	"decred.org/cyclesmarket/dex"
	"decred.org/cyclesmarket/dex/ws"
	"decred.org/cyclesmarket/server/admin"
	"decred.org/cyclesmarket/server/comms"
	"decred.org/cyclesmarket/server/db"
	"decred.org/cyclesmarket/server/feed"
	"decred.org/cyclesmarket/server/market"
	"decred.org/cyclesmarket/server/matcher"
	"decred.org/cyclesmarket/server/payout"
)

// logWriter implements an io.Writer that outputs to both standard output and
// the write-end pipe of an initialized log rotator.
type logWriter struct{}

// Write writes the data in p to standard out and the log rotator.
func (logWriter) Write(p []byte) (n int, err error) {
	if logRotator == nil {
		return os.Stdout.Write(p)
	}
	os.Stdout.Write(p)
	return logRotator.Write(p) // not safe concurrent writes, so only one logWriter{} allowed!
}

// Loggers per subsystem. Package-level loggers are set in setLogLevels once
// the levels are parsed, and must not be used before. Loggers made by
// subsystemLogger for component configs are created on demand.
var (
	// logRotator is one of the logging outputs. Use initLogRotator to set it.
	// It should be closed on application shutdown.
	logRotator *rotator.Rotator

	// package main's Logger.
	log = dex.Disabled

	// subsystemLoggers maps each subsystem identifier to the function that
	// installs its package logger, if it has one.
	subsystemLoggers = map[string]func(dex.Logger){
		"MAIN": func(l dex.Logger) { log = l },
		"MKT":  market.UseLogger,
		"MTCH": matcher.UseLogger,
		"PAY":  payout.UseLogger,
		"COMM": func(l dex.Logger) {
			comms.UseLogger(l)
			ws.UseLogger(l)
		},
		"ADMN": admin.UseLogger,
		"DB":   db.UseLogger,
		"FEED": feed.UseLogger,
		// Passed to constructors.
		"LSTO": nil,
		"LDGR": nil,
	}
)

// setLogLevels creates the package loggers at their configured levels.
func setLogLevels(lm *dex.LoggerMaker) {
	for subsysID, use := range subsystemLoggers {
		if use != nil {
			use(lm.Logger(subsysID))
		}
	}
}

// initLogRotator initializes the logging rotater to write logs to logFile and
// create roll files in the same directory.  It must be called before the
// package-global log rotater variables are used.
func initLogRotator(logFile string, maxRolls int) {
	logDir, _ := filepath.Split(logFile)
	err := os.MkdirAll(logDir, 0700)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log directory: %v\n", err)
		os.Exit(1)
	}
	logRotator, err = rotator.New(logFile, 32*1024, false, maxRolls)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create file rotator: %v\n", err)
		os.Exit(1)
	}
}
