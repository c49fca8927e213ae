/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package daemon

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTerminalPlainOutput(t *testing.T) {
	var buf bytes.Buffer
	term := NewTerminal(&buf)

	term.ClearCurrentLine()
	term.Print("12:00:00.000")
	term.ClearCurrentLine()
	term.Print("12:00:00.002")
	require.NoError(t, term.Flush())

	// a non-tty writer gets newline separated lines, no escape codes
	require.Equal(t, "12:00:00.000\n12:00:00.002", buf.String())
	require.NotContains(t, buf.String(), "\x1b")
}

func TestTerminalNoDoubleNewline(t *testing.T) {
	var buf bytes.Buffer
	term := NewTerminal(&buf)

	term.ClearCurrentLine()
	term.Print("result line\n")
	term.ClearCurrentLine()
	term.Print("next")
	require.NoError(t, term.Flush())

	require.Equal(t, "result line\nnext", buf.String())
}

func TestTerminalEmptyPrint(t *testing.T) {
	var buf bytes.Buffer
	term := NewTerminal(&buf)

	term.Print("")
	term.ClearCurrentLine()
	require.NoError(t, term.Flush())
	require.Equal(t, "", buf.String())
}
