package ninja_go

// / Abstract interface to object that tracks the status of a build:
// / completion fraction, printing updates.
type Status interface {
	PlanObserver
	BuildEdgeStarted(edge *Edge, startTimeMillis int64)
	BuildEdgeFinished(edge *Edge, startTimeMillis, endTimeMillis int64, success bool, output string)
	BuildStarted()
	BuildFinished()

	/// Set the Explanations instance to use to report explanations,
	/// argument can be nil if no explanations need to be printed.
	SetExplanations(explanations *Explanations)

	Info(msg string, args ...interface{})
	Warning(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}
