// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package pg

import "decred.org/cyclesmarket/dex"

var log = dex.Disabled
