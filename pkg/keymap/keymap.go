// Copyright 2026 The virtkeys authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package keymap compiles text into ordered monitor key-code operations.
//
// A Mapping is built once per keyboard layout and is immutable afterwards,
// so a single Mapping may be shared read-only across any number of VM
// actors. Compilation is a pure function of the table and its input:
// identical input always yields the identical operation sequence.
package keymap

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedCharacter indicates a character has no key-code sequence in
// the layout table.
var ErrUnsupportedCharacter = errors.New("unsupported character")

// ErrUnknownLayout indicates the requested keyboard layout is not known.
var ErrUnknownLayout = errors.New("unknown keyboard layout")

// Layout identifies a keyboard layout.
type Layout string

// LayoutUS is the US QWERTY layout.
const LayoutUS Layout = "us"

const shiftCode = "shift"

// KeyOp is a single press or release of one key code.
type KeyOp struct {
	Code    string
	Pressed bool
}

// Press returns a press operation for the given key code.
func Press(code string) KeyOp { return KeyOp{Code: code, Pressed: true} }

// Release returns a release operation for the given key code.
func Release(code string) KeyOp { return KeyOp{Code: code, Pressed: false} }

// UnsupportedCharacterError reports the exact character that has no mapping.
type UnsupportedCharacterError struct {
	Char rune
}

func (e *UnsupportedCharacterError) Error() string {
	return fmt.Sprintf("unsupported character: %q", e.Char)
}

func (e *UnsupportedCharacterError) Unwrap() error { return ErrUnsupportedCharacter }

// Mapping is an immutable character to key-operation table for one layout.
// Build it once with Build; never mutate it afterwards.
type Mapping struct {
	layout Layout
	table  map[rune][]KeyOp
	named  map[string]string
}

// Build constructs the mapping table for a layout. The returned Mapping
// covers lowercase and uppercase letters, digits, whitespace and the
// printable punctuation of the layout. Uppercase letters and shifted
// punctuation compile to a symmetric shift wrap: press-shift, press-base,
// release-base, release-shift.
func Build(layout Layout) (*Mapping, error) {
	if layout != LayoutUS {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLayout, layout)
	}

	table := make(map[rune][]KeyOp, 128)

	// Lowercase letters map directly to their own key code.
	for r := 'a'; r <= 'z'; r++ {
		table[r] = tap(string(r))
	}

	// Uppercase letters are the lowercase key wrapped in shift.
	for r := 'A'; r <= 'Z'; r++ {
		lower := r - 'A' + 'a'
		table[r] = shifted(string(lower))
	}

	// Digits map directly.
	for r := '0'; r <= '9'; r++ {
		table[r] = tap(string(r))
	}

	// Whitespace and control characters use named codes.
	table[' '] = tap("spc")
	table['\n'] = tap("ret")
	table['\t'] = tap("tab")

	// Direct-mapped punctuation.
	for r, code := range map[rune]string{
		'-':  "minus",
		'=':  "equal",
		'[':  "bracket_left",
		']':  "bracket_right",
		';':  "semicolon",
		'\'': "apostrophe",
		'`':  "grave_accent",
		'\\': "backslash",
		',':  "comma",
		'.':  "dot",
		'/':  "slash",
	} {
		table[r] = tap(code)
	}

	// Shifted punctuation: digit-row symbols and the bracket/quote variants.
	for r, code := range map[rune]string{
		'!': "1",
		'@': "2",
		'#': "3",
		'$': "4",
		'%': "5",
		'^': "6",
		'&': "7",
		'*': "8",
		'(': "9",
		')': "0",
		'_': "minus",
		'+': "equal",
		'{': "bracket_left",
		'}': "bracket_right",
		':': "semicolon",
		'"': "apostrophe",
		'~': "grave_accent",
		'|': "backslash",
		'<': "comma",
		'>': "dot",
		'?': "slash",
	} {
		table[r] = shifted(code)
	}

	return &Mapping{
		layout: layout,
		table:  table,
		named:  namedKeys(),
	}, nil
}

// Layout returns the layout the mapping was built for.
func (m *Mapping) Layout() Layout { return m.layout }

// Compile translates text into an ordered key-operation sequence. Any
// character absent from the table fails the whole compilation; no partial
// output is returned. Every per-character sequence opens and closes its own
// modifiers, so concatenated sequences never leave a modifier pressed
// across a character boundary.
func (m *Mapping) Compile(text string) ([]KeyOp, error) {
	ops := make([]KeyOp, 0, len(text)*2)
	for _, r := range text {
		seq, ok := m.table[r]
		if !ok {
			return nil, &UnsupportedCharacterError{Char: r}
		}
		ops = append(ops, seq...)
	}
	return ops, nil
}

// CompileChar is the single-character form of Compile.
func (m *Mapping) CompileChar(r rune) ([]KeyOp, error) {
	seq, ok := m.table[r]
	if !ok {
		return nil, &UnsupportedCharacterError{Char: r}
	}
	out := make([]KeyOp, len(seq))
	copy(out, seq)
	return out, nil
}

// NamedKey resolves a human key name (Enter, Escape, Up, Home, F1, ...) to
// its key code. Lookup is case-insensitive. It reports false rather than
// failing when the name is unknown, leaving the decision to the caller.
func (m *Mapping) NamedKey(name string) (string, bool) {
	code, ok := m.named[strings.ToLower(name)]
	return code, ok
}

// tap returns a self-contained press+release pair for one key code.
func tap(code string) []KeyOp {
	return []KeyOp{Press(code), Release(code)}
}

// shifted wraps a press+release of the base code in a symmetric shift
// press/release pair. Exactly four operations: the first and last are the
// shift toggle.
func shifted(code string) []KeyOp {
	return []KeyOp{Press(shiftCode), Press(code), Release(code), Release(shiftCode)}
}

func namedKeys() map[string]string {
	named := map[string]string{
		"enter":     "ret",
		"return":    "ret",
		"esc":       "esc",
		"escape":    "esc",
		"tab":       "tab",
		"space":     "spc",
		"backspace": "backspace",
		"delete":    "delete",
		"insert":    "insert",
		"up":        "up",
		"down":      "down",
		"left":      "left",
		"right":     "right",
		"home":      "home",
		"end":       "end",
		"pageup":    "pgup",
		"pagedown":  "pgdn",
		"shift":     "shift",
		"ctrl":      "ctrl",
		"alt":       "alt",
		"meta":      "meta_l",
	}
	for i := 1; i <= 12; i++ {
		named[fmt.Sprintf("f%d", i)] = fmt.Sprintf("f%d", i)
	}
	return named
}
