package cilocal

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/sirupsen/logrus"
)

type jobBuilder interface {
	Build(ctx context.Context, desc JobDescriptor, bc *BuildContext) (ImageHandle, *JobInstance, error)
}

type jobRunner interface {
	Run(ctx context.Context, inst *JobInstance) RunResult
}

// A Reporter is notified whenever the state of a descriptor changes during a run
type Reporter interface {
	Report(result RunResult)
}

type nopReporter struct{}

func (nopReporter) Report(RunResult) {}

// An Orchestrator drives all descriptors of a build context through building and running
type Orchestrator struct {
	builder  jobBuilder
	runner   jobRunner
	reporter Reporter
	log      *logrus.Logger
}

// NewOrchestrator returns an orchestrator building with builder and running with runner.
// reporter may be nil.
func NewOrchestrator(config RunConfig, builder jobBuilder, runner jobRunner, reporter Reporter) *Orchestrator {
	config = config.withDefaults()
	if reporter == nil {
		reporter = nopReporter{}
	}
	return &Orchestrator{
		builder:  builder,
		runner:   runner,
		reporter: reporter,
		log:      config.Log,
	}
}

// Execute builds and runs every descriptor in order, one at a time.
// A descriptor failing to build or run does not keep the remaining ones from being attempted.
// Returns the number of failed descriptors and the results in the order of descriptors.
func (o *Orchestrator) Execute(ctx context.Context, descriptors []JobDescriptor, bc *BuildContext) (int, []RunResult) {
	results := make([]RunResult, len(descriptors))
	for i, desc := range descriptors {
		results[i] = RunResult{Descriptor: desc, ExitCode: -1}
		o.reporter.Report(results[i])
	}

	failures := 0
	for i, desc := range descriptors {
		results[i] = o.executeOne(ctx, desc, bc)
		o.reporter.Report(results[i])
		if results[i].Failed {
			failures++
		}
	}

	return failures, results
}

func (o *Orchestrator) executeOne(ctx context.Context, desc JobDescriptor, bc *BuildContext) RunResult {
	log := o.log.WithField("descriptor", desc.Name())

	if err := ctx.Err(); err != nil {
		log.Warn("Run interrupted, skipping descriptor")
		return RunResult{Descriptor: desc, State: Failed, ExitCode: -1, Failed: true, Err: err}
	}

	image, instance, err := o.builder.Build(ctx, desc, bc)
	if err != nil {
		log.Errorf("%v", err)
		return RunResult{Descriptor: desc, Image: image, State: Failed, ExitCode: -1, Failed: true, Err: err}
	}

	o.reporter.Report(RunResult{Descriptor: desc, Image: image, State: Running, ExitCode: -1})
	return o.runner.Run(ctx, instance)
}

// PrintSummary writes a pass or fail line per result followed by the names of all failed descriptors, if any.
// The status is colored if w is a terminal.
func PrintSummary(w io.Writer, results []RunResult) {
	renderer := lipgloss.NewRenderer(w)
	passStyle := renderer.NewStyle().Bold(true).Foreground(lipgloss.Color("2"))
	failStyle := renderer.NewStyle().Bold(true).Foreground(lipgloss.Color("1"))

	var failed []string
	for _, res := range results {
		status := passStyle.Render("PASS")
		if res.Failed {
			status = failStyle.Render("FAIL")
			failed = append(failed, res.Descriptor.Name())
		}
		line := fmt.Sprintf("%s  %s", status, res.Descriptor.Name())
		if res.Image != "" {
			line += fmt.Sprintf(" (%s)", res.Image)
		}
		if res.Failed && res.ExitCode > 0 {
			line += fmt.Sprintf(": exit status %d", res.ExitCode)
		} else if res.Err != nil {
			line += fmt.Sprintf(": %v", res.Err)
		}
		fmt.Fprintln(w, line)
	}

	if len(failed) > 0 {
		fmt.Fprintf(w, "%d of %d failed: %s\n", len(failed), len(results), strings.Join(failed, ", "))
	}
}
