package ninja_go

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// / Implementation of the Status interface that prints the status as
// / human-readable strings to stdout
type StatusPrinter struct {
	config *BuildConfig

	startedEdges  int
	finishedEdges int
	totalEdges    int
	runningEdges  int

	/// How much wall clock elapsed so far?
	timeMillis int64

	/// How much cpu clock elapsed so far?
	cpuTimeMillis int64

	/// What percentage of predicted total time have elapsed already?
	timePredictedPercentage float64

	/// Out of all the edges, for how many do we know previous time?
	etaPredictableEdgesTotal int
	/// And how much time did they all take?
	etaPredictableCPUTimeTotalMillis int64

	/// Out of all the non-finished edges, for how many do we know previous time?
	etaPredictableEdgesRemaining int
	/// And how much time will they all take?
	etaPredictableCPUTimeRemainingMillis int64

	/// For how many edges we don't know the previous run time?
	etaUnpredictableEdgesRemaining int

	/// Prints progress output.
	printer *LinePrinter

	/// An optional Explanations pointer, used to implement `-d explain`.
	explanations *Explanations

	/// The custom progress status format to use.
	progressStatusFormat string

	currentRate *SlidingRateInfo
}

func NewStatusPrinter(config *BuildConfig) *StatusPrinter {
	return newStatusPrinter(config, NewLinePrinter())
}

func newStatusPrinter(config *BuildConfig, printer *LinePrinter) *StatusPrinter {
	s := &StatusPrinter{
		config:      config,
		printer:     printer,
		currentRate: NewSlidingRateInfo(config.Parallelism),
	}
	// Don't do anything fancy in verbose mode.
	if config.Verbosity != NORMAL {
		s.printer.SetSmartTerminal(false)
	}
	s.progressStatusFormat = os.Getenv("NINJA_STATUS")
	if s.progressStatusFormat == "" {
		s.progressStatusFormat = config.StatusFormat
	}
	if s.progressStatusFormat == "" {
		s.progressStatusFormat = "[%f/%t] "
	}
	return s
}

func (s *StatusPrinter) EdgeAddedToPlan(edge *Edge) {
	s.totalEdges++

	// Do we know how long did this edge take last time?
	if edge.prevElapsedTimeMillis != -1 {
		s.etaPredictableEdgesTotal++
		s.etaPredictableEdgesRemaining++
		s.etaPredictableCPUTimeTotalMillis += edge.prevElapsedTimeMillis
		s.etaPredictableCPUTimeRemainingMillis += edge.prevElapsedTimeMillis
	} else {
		s.etaUnpredictableEdgesRemaining++
	}
}

func (s *StatusPrinter) EdgeRemovedFromPlan(edge *Edge) {
	s.totalEdges--

	if edge.prevElapsedTimeMillis != -1 {
		s.etaPredictableEdgesTotal--
		s.etaPredictableEdgesRemaining--
		s.etaPredictableCPUTimeTotalMillis -= edge.prevElapsedTimeMillis
		s.etaPredictableCPUTimeRemainingMillis -= edge.prevElapsedTimeMillis
	} else {
		s.etaUnpredictableEdgesRemaining--
	}
}

func (s *StatusPrinter) BuildEdgeStarted(edge *Edge, startTimeMillis int64) {
	s.startedEdges++
	s.runningEdges++
	s.timeMillis = startTimeMillis

	if edge.UseConsole() || s.printer.IsSmartTerminal() {
		s.PrintStatus(edge, startTimeMillis)
	}
	if edge.UseConsole() {
		s.printer.SetConsoleLocked(true)
	}
}

func (s *StatusPrinter) BuildEdgeFinished(edge *Edge, startTimeMillis, endTimeMillis int64, success bool, output string) {
	s.timeMillis = endTimeMillis
	s.finishedEdges++

	s.cpuTimeMillis += endTimeMillis - startTimeMillis

	if edge.prevElapsedTimeMillis != -1 {
		s.etaPredictableEdgesRemaining--
		s.etaPredictableCPUTimeRemainingMillis -= edge.prevElapsedTimeMillis
	} else {
		s.etaUnpredictableEdgesRemaining--
	}

	if edge.UseConsole() {
		s.printer.SetConsoleLocked(false)
	}
	if s.config.Verbosity == QUIET {
		return
	}
	if !edge.UseConsole() {
		s.PrintStatus(edge, endTimeMillis)
	}
	s.runningEdges--

	// Print the command that is spewing before printing its output.
	if !success {
		outputs := make([]string, 0, len(edge.outputs))
		for _, o := range edge.outputs {
			outputs = append(outputs, o.Path())
		}
		s.printer.PrintOnNewLine(s.printer.Red("FAILED: ") + strings.Join(outputs, " ") + "\n")
		s.printer.PrintOnNewLine(edge.EvaluateCommand(false) + "\n")
	}

	if output != "" {
		// Subprocesses may emit colour codes even when our stdout is a
		// file; strip them unless we are writing to a terminal.
		if s.printer.SupportsColor() || !strings.Contains(output, "\x1b") {
			s.printer.PrintOnNewLine(output)
		} else {
			s.printer.PrintOnNewLine(StripAnsiEscapeCodes(output))
		}
	}
}

func (s *StatusPrinter) BuildStarted() {
	s.startedEdges = 0
	s.finishedEdges = 0
	s.runningEdges = 0
}

func (s *StatusPrinter) BuildFinished() {
	s.printer.SetConsoleLocked(false)
	s.printer.PrintOnNewLine("")
}

func (s *StatusPrinter) SetExplanations(explanations *Explanations) {
	s.explanations = explanations
}

func (s *StatusPrinter) Info(msg string, args ...interface{})    { Info(msg, args...) }
func (s *StatusPrinter) Warning(msg string, args ...interface{}) { Warning(msg, args...) }
func (s *StatusPrinter) Error(msg string, args ...interface{})   { Error(msg, args...) }

func (s *StatusPrinter) RecalculateProgressPrediction() {
	s.timePredictedPercentage = 0.0

	// Sometimes, the previous and actual times may be wildly different.
	// For example, the previous build may have been fully recovered from ccache,
	// so it was blazing fast, while the new build no longer gets hits from ccache
	// for whatever reason, so it actually compiles code, which takes much longer.
	// We should detect such cases, and avoid using "wrong" previous times.

	// Plan: let's find out which edges we can use, and then figure out
	// the prediction from them.
	usePreviousTimes := false
	if s.etaPredictableEdgesTotal > 0 && s.etaPredictableEdgesRemaining < s.etaPredictableEdgesTotal {
		usePreviousTimes = true
	}

	if !usePreviousTimes || s.totalEdges == 0 {
		if s.totalEdges != 0 {
			s.timePredictedPercentage = float64(s.finishedEdges) / float64(s.totalEdges)
		}
		return
	}

	// Average time of an edge we know the previous run time of.
	avg := float64(s.etaPredictableCPUTimeTotalMillis) / float64(s.etaPredictableEdgesTotal)
	total := float64(s.etaPredictableCPUTimeTotalMillis) +
		float64(s.etaUnpredictableEdgesRemaining)*avg
	remaining := float64(s.etaPredictableCPUTimeRemainingMillis) +
		float64(s.etaUnpredictableEdgesRemaining)*avg
	if total > 0 {
		s.timePredictedPercentage = (total - remaining) / total
	}
}

func formatHMMSS(t int64) string {
	return fmt.Sprintf("%d:%02d:%02d", t/3600, (t%3600)/60, t%60)
}

func formatMMSS(t int64) string {
	return fmt.Sprintf("%02d:%02d", t/60, t%60)
}

func formatRate(rate float64) string {
	if rate == -1 {
		return "?"
	}
	return strconv.FormatFloat(rate, 'f', 1, 64)
}

// / Format the progress status string by replacing the placeholders.
// / See the user manual for more information about the available
// / placeholders.
func (s *StatusPrinter) FormatProgressStatus(format string, timeMillis int64) (string, error) {
	var out strings.Builder
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' {
			out.WriteByte(c)
			continue
		}
		i++
		if i >= len(format) {
			return "", fmt.Errorf("trailing '%%' in $NINJA_STATUS")
		}
		switch ph := format[i]; ph {
		case '%':
			out.WriteByte('%')
		case 's': // Started edges.
			out.WriteString(strconv.Itoa(s.startedEdges))
		case 't': // Total edges.
			out.WriteString(strconv.Itoa(s.totalEdges))
		case 'r': // Running edges.
			out.WriteString(strconv.Itoa(s.runningEdges))
		case 'u': // Unstarted edges.
			out.WriteString(strconv.Itoa(s.totalEdges - s.startedEdges))
		case 'f': // Finished edges.
			out.WriteString(strconv.Itoa(s.finishedEdges))
		case 'o': // Overall finished edges per second.
			rate := -1.0
			if s.timeMillis > 0 {
				rate = float64(s.finishedEdges) / (float64(s.timeMillis) / 1e3)
			}
			out.WriteString(formatRate(rate))
		case 'c': // Current rate, average over the last '-j' jobs.
			s.currentRate.UpdateRate(s.finishedEdges, timeMillis)
			out.WriteString(formatRate(s.currentRate.Rate()))
		case 'p': // Percentage of edges completed.
			percent := 0
			if s.finishedEdges != 0 && s.totalEdges != 0 {
				percent = 100 * s.finishedEdges / s.totalEdges
			}
			fmt.Fprintf(&out, "%3d%%", percent)
		case 'e', 'w', 'E', 'W':
			elapsedSec := s.timeMillis / 1e3
			var etaSec int64 = -1 // To be printed as "?".
			if s.timePredictedPercentage != 0.0 {
				// So, we know that we've spent timeMillis wall clock,
				// and that is timePredictedPercentage percent.
				// How much time will we need to complete 100%?
				totalWall := int64(float64(s.timeMillis) / s.timePredictedPercentage)
				etaSec = (totalWall - s.timeMillis) / 1e3
			}
			withHours := elapsedSec >= 60*60 || etaSec >= 60*60

			sec := elapsedSec
			if ph == 'E' || ph == 'W' {
				sec = etaSec
			}
			switch {
			case sec < 0:
				out.WriteByte('?')
			case ph == 'e' || ph == 'E':
				fmt.Fprintf(&out, "%.3f", float64(sec))
			case withHours:
				out.WriteString(formatHMMSS(sec))
			default:
				out.WriteString(formatMMSS(sec))
			}
		case 'P': // Percentage of time spent out of the predicted time total.
			fmt.Fprintf(&out, "%3d%%", int(100.0*s.timePredictedPercentage))
		default:
			return "", fmt.Errorf("unknown placeholder '%%%c' in $NINJA_STATUS", ph)
		}
	}
	return out.String(), nil
}

func (s *StatusPrinter) PrintStatus(edge *Edge, timeMillis int64) {
	if s.explanations != nil {
		// Collect all explanations for the current edge's outputs.
		var explanations []string
		for _, output := range edge.outputs {
			explanations = s.explanations.LookupAndAppend(output, explanations)
		}
		if len(explanations) != 0 {
			// Start a new line so that the first explanation does not append to the
			// status line.
			s.printer.PrintOnNewLine("")
			for _, exp := range explanations {
				fmt.Fprintf(os.Stderr, "ninja explain: %s\n", exp)
			}
		}
	}

	if s.config.Verbosity == QUIET || s.config.Verbosity == NO_STATUS_UPDATE {
		return
	}

	s.RecalculateProgressPrediction()

	forceFullCommand := s.config.Verbosity == VERBOSE

	toPrint := edge.GetBinding("description")
	if toPrint == "" || forceFullCommand {
		toPrint = edge.GetBinding("command")
	}

	prefix, err := s.FormatProgressStatus(s.progressStatusFormat, timeMillis)
	if err != nil {
		// A bad $NINJA_STATUS falls back to the default once.
		s.Warning("%v", err)
		s.progressStatusFormat = "[%f/%t] "
		prefix, _ = s.FormatProgressStatus(s.progressStatusFormat, timeMillis)
	}
	toPrint = prefix + toPrint
	if forceFullCommand {
		s.printer.Print(toPrint, FULL)
	} else {
		s.printer.Print(toPrint, ELIDE)
	}
}

// SlidingRateInfo computes a finished-edges-per-second rate over the last N
// completions.
type SlidingRateInfo struct {
	rate       float64
	n          int
	times      []int64
	lastUpdate int
}

func NewSlidingRateInfo(n int) *SlidingRateInfo {
	if n < 1 {
		n = 1
	}
	return &SlidingRateInfo{rate: -1, n: n, lastUpdate: -1}
}

func (r *SlidingRateInfo) Rate() float64 { return r.rate }

func (r *SlidingRateInfo) UpdateRate(updateHint int, timeMillis int64) {
	if updateHint == r.lastUpdate {
		return
	}
	r.lastUpdate = updateHint

	if len(r.times) == r.n {
		r.times = r.times[1:]
	}
	r.times = append(r.times, timeMillis)
	if back, front := r.times[len(r.times)-1], r.times[0]; back != front {
		r.rate = float64(len(r.times)) / (float64(back-front) / 1e3)
	}
}
