// Copyright (c) 2015-2021 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package prompt

import (
	"bufio"
	"errors"
)

var errNoTerminal = errors.New("prompt not supported in WebAssembly")

func PassPrompt(_ *bufio.Reader, _ string, _ bool) ([]byte, error) {
	return nil, errNoTerminal
}

func PrivatePass(_ *bufio.Reader) ([]byte, error) {
	return nil, errNoTerminal
}

func ProvidePrivPassphrase(_ *bufio.Reader) ([]byte, error) {
	return nil, errNoTerminal
}
