// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package comms

import (
	"decred.org/cyclesmarket/dex"
)

var log = dex.Disabled

// UseLogger sets the package logger.
func UseLogger(logger dex.Logger) {
	log = logger
}
