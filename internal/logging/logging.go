// Package logging builds the logr.Logger used by guardian binaries.
package logging

import (
	"io"
	"log"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
)

// New returns a logger writing to w. V(n) logs are emitted for n <= verbosity.
// Verbosity is process wide, as stdr keeps it in a global.
func New(w io.Writer, verbosity int) logr.Logger {
	stdr.SetVerbosity(verbosity)
	std := log.New(w, "", log.LstdFlags|log.Lmicroseconds)
	return stdr.NewWithOptions(std, stdr.Options{LogCaller: stdr.Error}).WithName("guardian")
}
