// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package admin

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"os"

	"golang.org/x/term"

	"decred.org/cyclesmarket/dex/encode"
)

// PasswordPrompt prompts the user to enter a password and returns its sha256
// hash. Password must not be an empty string.
func PasswordPrompt(prompt string) ([32]byte, error) {
	var authSHA [32]byte
	fmt.Println(prompt)
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return authSHA, err
	}
	if len(password) == 0 {
		return authSHA, errors.New("password must not be empty")
	}
	authSHA = sha256.Sum256(password)
	encode.ClearBytes(password)
	return authSHA, nil
}
