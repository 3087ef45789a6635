// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

//go:build !js

package prompt

import (
	"bufio"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// lineReader makes readPassword consume the same buffered reader as the yes/no
// prompts so a whole dialogue can be scripted.
func lineReader(t *testing.T) {
	t.Helper()

	orig := readPassword
	readPassword = func(r *bufio.Reader) ([]byte, error) {
		return r.ReadBytes('\n')
	}
	t.Cleanup(func() { readPassword = orig })
}

func TestPromptListBool(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"no\n", false},
		{"\n", true},
		{"maybe\nn\n", false},
	}
	for _, test := range tests {
		r := bufio.NewReader(strings.NewReader(test.input))
		got, err := promptListBool(r, "continue?", "yes")
		require.NoError(t, err)
		require.Equal(t, test.want, got, "input %q", test.input)
	}
}

func TestPassPromptConfirm(t *testing.T) {
	lineReader(t)

	// Empty entry and a mismatch are both retried.
	input := "\nhunter2\nhunter3\n hunter2 \nhunter2\n"
	r := bufio.NewReader(strings.NewReader(input))
	pass, err := PassPrompt(r, "pass", true)
	require.NoError(t, err)
	require.Equal(t, []byte("hunter2"), pass)
}

func TestPrivatePass(t *testing.T) {
	lineReader(t)

	r := bufio.NewReader(strings.NewReader("no\n"))
	pass, err := PrivatePass(r)
	require.NoError(t, err)
	require.Nil(t, pass)

	r = bufio.NewReader(strings.NewReader("\nsecret\nsecret\n"))
	pass, err = PrivatePass(r)
	require.NoError(t, err)
	require.Equal(t, []byte("secret"), pass)
}

func TestPassPromptEOF(t *testing.T) {
	lineReader(t)

	r := bufio.NewReader(strings.NewReader(""))
	_, err := ProvidePrivPassphrase(r)
	require.Error(t, err)
}
