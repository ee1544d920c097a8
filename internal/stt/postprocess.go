package stt

import (
	"strings"
	"unicode"
)

// PostprocessOptions gate the text cleanups applied after a decode.
type PostprocessOptions struct {
	EnsureStartingUppercase bool
	EnsureEndsWithPeriod    bool
}

// Postprocess normalizes decoder output: collapses whitespace runs, then
// optionally capitalizes the first letter and appends a terminal period
// when the text ends on an alphanumeric rune.
func Postprocess(text string, opts PostprocessOptions) string {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return text
	}

	if opts.EnsureStartingUppercase {
		runes := []rune(text)
		runes[0] = unicode.ToUpper(runes[0])
		text = string(runes)
	}

	if opts.EnsureEndsWithPeriod {
		runes := []rune(text)
		if last := runes[len(runes)-1]; unicode.IsLetter(last) || unicode.IsDigit(last) {
			text += "."
		}
	}
	return text
}
