package ninja_go

import (
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

type LineType int8

const (
	FULL LineType = iota
	ELIDE
)

// / Prints lines of text, possibly overprinting previously printed lines
// / if the terminal supports it.
type LinePrinter struct {
	out io.Writer

	/// Whether we can do fancy terminal control codes.
	smartTerminal bool

	/// Whether we can use ISO 6429 (ANSI) color sequences.
	supportsColor bool

	/// Whether the caret is at the beginning of a blank line.
	haveBlankLine bool

	/// Whether console is locked.
	consoleLocked bool

	/// Buffered current line while console is locked.
	lineBuffer string

	/// Buffered line type while console is locked.
	lineType LineType

	/// Buffered console output while console is locked.
	outputBuffer strings.Builder

	failed *color.Color
}

func NewLinePrinter() *LinePrinter {
	term := os.Getenv("TERM")
	smart := isatty.IsTerminal(os.Stdout.Fd()) && term != "" && term != "dumb"
	p := newLinePrinter(os.Stdout, smart)
	if !p.supportsColor {
		force := os.Getenv("CLICOLOR_FORCE")
		p.supportsColor = force != "" && force != "0"
	}
	return p
}

func newLinePrinter(out io.Writer, smart bool) *LinePrinter {
	p := &LinePrinter{
		out:           out,
		smartTerminal: smart,
		supportsColor: smart,
		haveBlankLine: true,
		failed:        color.New(color.FgRed),
	}
	return p
}

func (p *LinePrinter) IsSmartTerminal() bool       { return p.smartTerminal }
func (p *LinePrinter) SetSmartTerminal(smart bool) { p.smartTerminal = smart }
func (p *LinePrinter) SupportsColor() bool         { return p.supportsColor }

// Red wraps s in the failure colour when the output supports it.
func (p *LinePrinter) Red(s string) string {
	if !p.supportsColor {
		return s
	}
	p.failed.EnableColor()
	return p.failed.Sprint(s)
}

// / Overprints the current line. If type is ELIDE, elides toPrint to fit on
// / one line.
func (p *LinePrinter) Print(toPrint string, lineType LineType) {
	if p.consoleLocked {
		p.lineBuffer = toPrint
		p.lineType = lineType
		return
	}

	if p.smartTerminal {
		io.WriteString(p.out, "\r") // Print over previous line, if any.
	}

	if p.smartTerminal && lineType == ELIDE {
		if width := terminalWidth(); width > 0 {
			toPrint = ElideMiddle(toPrint, width)
		}
		io.WriteString(p.out, toPrint)
		io.WriteString(p.out, "\x1B[K") // Clear to end of line.
		p.haveBlankLine = false
	} else {
		io.WriteString(p.out, toPrint)
		io.WriteString(p.out, "\n")
	}
}

// / Prints a string on a new line, not overprinting previous output.
func (p *LinePrinter) PrintOnNewLine(toPrint string) {
	if p.consoleLocked && p.lineBuffer != "" {
		p.outputBuffer.WriteString(p.lineBuffer)
		p.outputBuffer.WriteByte('\n')
		p.lineBuffer = ""
	}
	if !p.haveBlankLine {
		p.printOrBuffer("\n")
	}
	if toPrint != "" {
		p.printOrBuffer(toPrint)
	}
	p.haveBlankLine = toPrint == "" || toPrint[len(toPrint)-1] == '\n'
}

// / Lock or unlock the console.  Any output sent to the LinePrinter while the
// / console is locked will not be printed until it is unlocked.
func (p *LinePrinter) SetConsoleLocked(locked bool) {
	if locked == p.consoleLocked {
		return
	}
	if locked {
		p.PrintOnNewLine("")
	}
	p.consoleLocked = locked

	if !locked {
		buffered := p.outputBuffer.String()
		p.outputBuffer.Reset()
		p.PrintOnNewLine(buffered)
		if p.lineBuffer != "" {
			p.Print(p.lineBuffer, p.lineType)
		}
		p.lineBuffer = ""
	}
}

func (p *LinePrinter) printOrBuffer(data string) {
	if p.consoleLocked {
		p.outputBuffer.WriteString(data)
		return
	}
	io.WriteString(p.out, data)
}
