package ninja_go

import (
	"context"
	"fmt"
	"log/slog"
)

// RealCommandRunner runs edges as shell commands, bounded by parallelism
// and by the load and memory throttles.
type RealCommandRunner struct {
	config        *BuildConfig
	subprocs      *SubprocessSet
	subprocToEdge map[*Subprocess]*Edge
	monitor       ResourceMonitor
	logger        *slog.Logger
}

func NewRealCommandRunner(config *BuildConfig) *RealCommandRunner {
	return newRealCommandRunner(config, SystemResources{})
}

func newRealCommandRunner(config *BuildConfig, monitor ResourceMonitor) *RealCommandRunner {
	return &RealCommandRunner{
		config:        config,
		subprocs:      NewSubprocessSet(),
		subprocToEdge: map[*Subprocess]*Edge{},
		monitor:       monitor,
		logger:        config.logger(),
	}
}

func (r *RealCommandRunner) CanRunMore() int {
	running := r.subprocs.Running()
	capacity := r.config.Parallelism - running

	if r.config.MaxLoadAverage > 0 {
		if load := r.monitor.LoadAverage(); load >= 0 {
			if loadCapacity := int(r.config.MaxLoadAverage - load); loadCapacity < capacity {
				r.logger.Debug("load throttle", "load", load, "limit", r.config.MaxLoadAverage)
				capacity = loadCapacity
			}
		}
	}
	if r.config.MaxMemoryUsage > 0 {
		if usage := r.monitor.MemoryUsage(); usage >= r.config.MaxMemoryUsage {
			r.logger.Debug("memory throttle", "usage", usage, "limit", r.config.MaxMemoryUsage)
			capacity = 0
		}
	}

	if capacity < 0 {
		capacity = 0
	}
	if capacity == 0 && running == 0 {
		// Ensure that we make progress.
		capacity = 1
	}
	return capacity
}

func (r *RealCommandRunner) StartCommand(edge *Edge) error {
	command := edge.EvaluateCommand(false)
	subproc, err := r.subprocs.Add(command, edge.UseConsole())
	if err != nil {
		return err
	}
	r.subprocToEdge[subproc] = edge
	return nil
}

func (r *RealCommandRunner) WaitForCommand(ctx context.Context) (*Result, error) {
	subproc, err := r.subprocs.NextFinished(ctx)
	if err != nil {
		return nil, fmt.Errorf("waiting for commands: %w", err)
	}
	result := &Result{
		Status: subproc.Finish(),
		Output: subproc.Output(),
		Edge:   r.subprocToEdge[subproc],
	}
	delete(r.subprocToEdge, subproc)
	return result, nil
}

func (r *RealCommandRunner) GetActiveEdges() []*Edge {
	edges := make([]*Edge, 0, len(r.subprocToEdge))
	for _, edge := range r.subprocToEdge {
		edges = append(edges, edge)
	}
	sortEdgesByID(edges)
	return edges
}

func (r *RealCommandRunner) Abort() {
	r.subprocs.Clear()
	clear(r.subprocToEdge)
}
