package ninja_go

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/fatih/color"
)

var (
	errorPrefix   = color.New(color.FgRed, color.Bold).SprintFunc()
	warningPrefix = color.New(color.FgYellow, color.Bold).SprintFunc()
)

// / Log an error message.
func Error(msg string, args ...interface{}) {
	fmt.Fprintf(color.Error, "%s%s\n", errorPrefix("ninja: error: "), fmt.Sprintf(msg, args...))
}

// / Log a warning message.
func Warning(msg string, args ...interface{}) {
	fmt.Fprintf(color.Error, "%s%s\n", warningPrefix("ninja: warning: "), fmt.Sprintf(msg, args...))
}

// / Log an informational message.
func Info(msg string, args ...interface{}) {
	fmt.Fprintf(color.Output, "ninja: %s\n", fmt.Sprintf(msg, args...))
}

const maxPathComponents = 60

// CanonicalizePath collapses "." and "foo/.." components and repeated
// separators without touching the filesystem. On Windows backslashes are
// folded to '/' and the returned bits remember which separators were
// backslashes, so the original spelling can be restored for commands.
func CanonicalizePath(path string) (string, uint64, error) {
	if path == "" {
		return "", 0, &InvalidPathError{Reason: "empty path"}
	}

	var slashBits uint64
	if runtime.GOOS == "windows" {
		var mask uint64 = 1
		b := []byte(path)
		for i, c := range b {
			switch c {
			case '\\':
				slashBits |= mask
				b[i] = '/'
				mask <<= 1
			case '/':
				mask <<= 1
			}
		}
		path = string(b)
	}

	absolute := path[0] == '/'
	parts := strings.Split(path, "/")
	if len(parts) > maxPathComponents*2 {
		return "", 0, &InvalidPathError{Path: path, Reason: "path has too many components"}
	}
	out := make([]string, 0, len(parts))
	for _, c := range parts {
		switch c {
		case "", ".":
			continue
		case "..":
			if len(out) > 0 && out[len(out)-1] != ".." {
				out = out[:len(out)-1]
				continue
			}
			if absolute {
				// Can't go above the root.
				continue
			}
			out = append(out, c)
		default:
			out = append(out, c)
		}
	}

	result := strings.Join(out, "/")
	if absolute {
		result = "/" + result
	} else if result == "" {
		result = "."
	}

	if slashBits != 0 {
		// Keep only as many bits as the result has separators.
		n := strings.Count(result, "/")
		if n < 64 {
			slashBits &= (uint64(1) << n) - 1
		}
	}
	return result, slashBits, nil
}

// PathDecanonicalized restores backslashes recorded in slashBits.
func PathDecanonicalized(path string, slashBits uint64) string {
	if slashBits == 0 {
		return path
	}
	b := []byte(path)
	var mask uint64 = 1
	for i, c := range b {
		if c == '/' {
			if slashBits&mask != 0 {
				b[i] = '\\'
			}
			mask <<= 1
		}
	}
	return string(b)
}

func isKnownShellSafeCharacter(ch byte) bool {
	if 'A' <= ch && ch <= 'Z' || 'a' <= ch && ch <= 'z' || '0' <= ch && ch <= '9' {
		return true
	}
	switch ch {
	case '_', '+', '-', '.', '/':
		return true
	}
	return false
}

// GetShellEscapedString single-quotes input for /bin/sh when it contains
// anything outside a conservative safe set.
func GetShellEscapedString(input string) string {
	safe := true
	for i := 0; i < len(input); i++ {
		if !isKnownShellSafeCharacter(input[i]) {
			safe = false
			break
		}
	}
	if safe && input != "" {
		return input
	}
	return "'" + strings.ReplaceAll(input, "'", `'\''`) + "'"
}

// / Given a misspelled string and a list of correct spellings, returns
// / the closest match or "" if there is no close enough match.
func SpellcheckStringV(text string, words []string) string {
	const allowReplacements = true
	const maxValidEditDistance = 3

	minDistance := maxValidEditDistance + 1
	result := ""
	for _, w := range words {
		distance := EditDistance(w, text, allowReplacements, maxValidEditDistance)
		if distance < minDistance {
			minDistance = distance
			result = w
		}
	}
	return result
}

func SpellcheckString(text string, words ...string) string {
	return SpellcheckStringV(text, words)
}

// / Removes all Ansi escape codes (http://www.termsys.demon.co.uk/vtansi.htm).
func StripAnsiEscapeCodes(in string) string {
	var b strings.Builder
	b.Grow(len(in))
	for i := 0; i < len(in); i++ {
		if in[i] != '\x1b' {
			b.WriteByte(in[i])
			continue
		}
		// Only strip CSIs for now.
		if i+1 >= len(in) {
			break
		}
		if in[i+1] != '[' {
			continue
		}
		i += 2
		// Skip everything up to and including the next [a-zA-Z].
		for i < len(in) && !isLatinAlpha(in[i]) {
			i++
		}
	}
	return b.String()
}

func isLatinAlpha(c byte) bool {
	return ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

// / Elide the given string @a str with '...' in the middle if the length
// / exceeds @a width.
func ElideMiddle(str string, width int) string {
	switch width {
	case 0:
		return ""
	case 1:
		return "."
	case 2:
		return ".."
	case 3:
		return "..."
	}
	const margin = 3 // Space for "...".
	if len(str) <= width {
		return str
	}
	elideSize := (width - margin) / 2
	return str[:elideSize] + "..." + str[len(str)-(width-margin-elideSize):]
}

// / @return the number of processors on the machine.  Useful for an initial
// / guess for how many jobs to run in parallel.
func GetProcessorCount() int {
	return runtime.NumCPU()
}

func GetWorkingDirectory() string {
	wd, err := os.Getwd()
	if err != nil {
		Error("cannot determine working directory: %v", err)
		return ""
	}
	return wd
}
