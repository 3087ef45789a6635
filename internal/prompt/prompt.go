// Copyright (c) 2015-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

//go:build !js

package prompt

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

// readPassword reads a line without local echo when stdin is a terminal.
// Piped input is read from the passed reader instead so scripted wallet
// creation keeps working.
var readPassword = func(reader *bufio.Reader) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		pass, err := term.ReadPassword(fd)
		fmt.Print("\n")
		return pass, err
	}

	line, err := reader.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return nil, err
	}
	return line, nil
}

// promptList prompts the user with the given prefix, list of valid responses,
// and default list entry to use.  The function will repeat the prompt to the
// user until they enter a valid response.
func promptList(reader *bufio.Reader, prefix string, validResponses []string,
	defaultEntry string) (string, error) {

	validStrings := strings.Join(validResponses, "/")
	var prompt string
	if defaultEntry != "" {
		prompt = fmt.Sprintf("%s (%s) [%s]: ", prefix, validStrings,
			defaultEntry)
	} else {
		prompt = fmt.Sprintf("%s (%s): ", prefix, validStrings)
	}

	for {
		fmt.Print(prompt)
		reply, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		reply = strings.TrimSpace(strings.ToLower(reply))
		if reply == "" {
			reply = defaultEntry
		}

		for _, validResponse := range validResponses {
			if reply == validResponse {
				return reply, nil
			}
		}
	}
}

// promptListBool prompts the user for a boolean (yes/no) with the given
// prefix.  The function will repeat the prompt to the user until they enter a
// valid reponse.
func promptListBool(reader *bufio.Reader, prefix string,
	defaultEntry string) (bool, error) {

	valid := []string{"n", "no", "y", "yes"}
	response, err := promptList(reader, prefix, valid, defaultEntry)
	if err != nil {
		return false, err
	}
	return response == "yes" || response == "y", nil
}

// PassPrompt prompts the user for a passphrase with the given prefix.  When
// confirm is set the user must enter the passphrase twice, and the prompts
// repeat until both entries match.
func PassPrompt(reader *bufio.Reader, prefix string, confirm bool) ([]byte, error) {
	prompt := fmt.Sprintf("%s: ", prefix)
	for {
		fmt.Print(prompt)
		pass, err := readPassword(reader)
		if err != nil {
			return nil, err
		}
		pass = bytes.TrimSpace(pass)
		if len(pass) == 0 {
			continue
		}

		if !confirm {
			return pass, nil
		}

		fmt.Print("Confirm passphrase: ")
		again, err := readPassword(reader)
		if err != nil {
			return nil, err
		}
		again = bytes.TrimSpace(again)
		if !bytes.Equal(pass, again) {
			fmt.Println("The entered passphrases do not match")
			continue
		}

		return pass, nil
	}
}

// PrivatePass asks whether the new wallet's private keys should be encrypted
// and, if so, prompts for the passphrase.  A nil passphrase means the wallet
// is left unencrypted.
func PrivatePass(reader *bufio.Reader) ([]byte, error) {
	encrypt, err := promptListBool(reader, "Do you want to encrypt "+
		"the private keys of your new wallet?", "yes")
	if err != nil {
		return nil, err
	}
	if !encrypt {
		fmt.Println("WARNING: private keys will be stored unencrypted.")
		return nil, nil
	}

	return PassPrompt(reader, "Enter the private passphrase for your "+
		"new wallet", true)
}

// ProvidePrivPassphrase prompts once for the passphrase of an existing
// wallet.
func ProvidePrivPassphrase(reader *bufio.Reader) ([]byte, error) {
	return PassPrompt(reader, "Enter the private passphrase of your "+
		"wallet", false)
}
