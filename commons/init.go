// Package commons holds process wide helpers shared by the library packages and the
// binaries.
package commons

import (
	"log"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const DebugEnv = "SURGESTOMP_DEBUG"

var (
	SystemDebug bool
	Log         *zap.Logger
)

func init() {
	SystemDebug = os.Getenv(DebugEnv) == "1"

	logger, err := NewLogger(SystemDebug)
	if err != nil {
		log.Fatal(err)
	}

	Log = logger
}

// NewLogger returns a development logger if debug is set, a production one otherwise.
func NewLogger(debug bool) (*zap.Logger, error) {
	if !debug {
		return zap.NewProduction()
	}

	return zap.NewDevelopment()
}

// SetDebug replaces Log with a logger at the requested level.
func SetDebug(debug bool) error {
	logger, err := NewLogger(debug)
	if err != nil {
		return err
	}

	SystemDebug = debug
	Log = logger

	return nil
}

// Debugging reports whether debug records would be written.
func Debugging() bool {
	return Log.Core().Enabled(zapcore.DebugLevel)
}
