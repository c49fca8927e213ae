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
	"bufio"
	"io"
	"os"

	"golang.org/x/term"
)

// Displayer is where the daemon writes its terminal updates: the
// in-place clock line, sync progress and per-sync result lines.
type Displayer interface {
	ClearCurrentLine()
	Print(text string)
	Flush() error
}

// ansiEraseLine moves the cursor to column 0 and erases the line
const ansiEraseLine = "\r\x1b[2K"

// Terminal renders updates to a terminal. On a real tty lines are
// rewritten in place with ANSI erase sequences; on anything else every
// update becomes its own line so logs stay readable.
type Terminal struct {
	w     *bufio.Writer
	ansi  bool
	dirty bool
}

// NewTerminal creates a Terminal writing to w
func NewTerminal(w io.Writer) *Terminal {
	ansi := false
	if f, ok := w.(*os.File); ok {
		ansi = term.IsTerminal(int(f.Fd()))
	}
	return &Terminal{w: bufio.NewWriter(w), ansi: ansi}
}

// ClearCurrentLine prepares for rewriting the current line
func (t *Terminal) ClearCurrentLine() {
	if t.ansi {
		_, _ = t.w.WriteString(ansiEraseLine)
		return
	}
	if t.dirty {
		_, _ = t.w.WriteString("\n")
		t.dirty = false
	}
}

// Print writes text at the current position
func (t *Terminal) Print(text string) {
	_, _ = t.w.WriteString(text)
	t.dirty = text != "" && text[len(text)-1] != '\n'
}

// Flush pushes buffered output out
func (t *Terminal) Flush() error {
	return t.w.Flush()
}
