//go:build windows

package executor

import "strings"

// buildCmdLine joins argv into a single Windows command line string using
// the quoting rules CommandLineToArgvW expects.
func buildCmdLine(args []string) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		parts = append(parts, escapeArg(a))
	}
	return strings.Join(parts, " ")
}

// escapeArg quotes a single argument per the CommandLineToArgvW rules:
// backslashes are literal unless they precede a double quote, in which case
// they must be doubled, and embedded quotes are backslash-escaped.
func escapeArg(arg string) string {
	if arg == "" {
		return `""`
	}
	if !strings.ContainsAny(arg, " \t\"") {
		return arg
	}

	var b strings.Builder
	b.WriteByte('"')
	slashes := 0
	for i := 0; i < len(arg); i++ {
		c := arg[i]
		switch c {
		case '\\':
			slashes++
			b.WriteByte(c)
		case '"':
			// Double the run of backslashes preceding the quote, then
			// escape the quote itself.
			for ; slashes > 0; slashes-- {
				b.WriteByte('\\')
			}
			b.WriteString(`\"`)
		default:
			slashes = 0
			b.WriteByte(c)
		}
	}
	// A trailing run of backslashes would escape the closing quote.
	for ; slashes > 0; slashes-- {
		b.WriteByte('\\')
	}
	b.WriteByte('"')
	return b.String()
}
