package executor

import "regexp"

// ansiEscapeRegex matches ANSI escape sequences, including OSC sequences
// terminated by BEL.
var ansiEscapeRegex = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07|\x1b[()][A-Z0-9]`)

// stripANSI removes terminal escape codes from captured pty output so task
// results carry plain text.
func stripANSI(s string) string {
	return ansiEscapeRegex.ReplaceAllString(s, "")
}
