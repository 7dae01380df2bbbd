package cilocal

import (
	"context"

	"github.com/google/uuid"
)

// A Pipeline is a complete local CI run: resolving the build context, building and running every job descriptor in it,
// and tearing down everything created along the way.
type Pipeline struct {
	Config RunConfig

	Engine   Engine   // The container engine to use. If nil, the docker daemon from the environment is used
	Prompter Prompter // Asks for confirmation before post-mortem sessions. If nil, asks on the terminal
	Reporter Reporter // Notified on every state change of a descriptor. May be nil
}

// Run executes the pipeline. It returns the number of failed descriptors along with the result of every descriptor.
// An error is only returned if the run could not get to building any descriptor, e.g. because the reference
// could not be resolved. The isolated build context is removed on every return path, including ctx being cancelled.
func (p *Pipeline) Run(ctx context.Context) (int, []RunResult, error) {
	config := p.Config.withDefaults()
	log := config.Log

	if config.Operator.UID == "" {
		op, err := CurrentOperator()
		if err != nil {
			return 0, nil, err
		}
		config.Operator = op
	}

	if config.RunID == "" {
		config.RunID = uuid.NewString()
	}
	log.Infof("Starting run %s", config.RunID)

	engine := p.Engine
	if engine == nil {
		var err error
		engine, err = NewDockerEngine(ctx)
		if err != nil {
			return 0, nil, err
		}
		defer engine.Close()
	}

	bc, err := NewResolver(config).Resolve(ctx, config.Reference, config.OverrideScript)
	if err != nil {
		return 0, nil, err
	}
	defer func() {
		if err := bc.Release(); err != nil {
			log.Warnf("Failed to remove build context %s - %v", bc.Dir, err)
		}
	}()
	log.Infof("Resolved build context %s (%s)", bc.Dir, bc.Prefix)

	descriptors, err := DiscoverDescriptors(bc.Dir, config)
	if err != nil {
		return 0, nil, err
	}

	ledger := &Ledger{}
	defer func() {
		if err := ledger.Teardown(ctx, engine, config.RemoveImages, log); err != nil {
			log.Warnf("Teardown incomplete - %v", err)
		}
	}()

	orchestrator := NewOrchestrator(
		config,
		NewBuilder(config, engine, ledger),
		NewRunner(config, engine, ledger, p.Prompter),
		p.Reporter,
	)
	failures, results := orchestrator.Execute(ctx, descriptors, bc)
	PrintSummary(config.Stdout, results)

	return failures, results, nil
}
