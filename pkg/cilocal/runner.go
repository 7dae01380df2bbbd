package cilocal

import (
	"context"
	"fmt"
	"strings"

	"github.com/dchest/uniuri"
	"github.com/manifoldco/promptui"
	"github.com/moby/term"
	"github.com/sirupsen/logrus"
)

// JobState is the lifecycle state of a job instance
type JobState int

const (
	Created JobState = iota
	Running
	Succeeded
	Failed
	PostMortemActive // A shell is open in a snapshot of the failed job
	Discarded        // The post-mortem session of a failed job ended
)

func (s JobState) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case PostMortemActive:
		return "post-mortem"
	case Discarded:
		return "discarded"
	}
	return fmt.Sprintf("JobState(%d)", int(s))
}

// A RunResult is the outcome of running one job descriptor
type RunResult struct {
	Descriptor JobDescriptor
	Image      ImageHandle

	State    JobState
	ExitCode int  // Exit status of the job, -1 if it never ran to completion
	Failed   bool // Whether the descriptor counts as failed

	PostMortemImage string // Snapshot of the failed job, if one was taken

	Err error // Why the job could not be built or run. Nil for jobs which exited non-zero
}

// A Prompter asks the operator for confirmation
type Prompter interface {
	Confirm(label string) bool
}

// terminalPrompter asks for confirmation on the terminal
type terminalPrompter struct {
	stdin *stdinPump
}

func (p terminalPrompter) Confirm(label string) bool {
	in := p.stdin.Attach()
	defer in.Close()

	prompt := promptui.Prompt{
		Label:     label,
		IsConfirm: true,
		Stdin:     in,
	}
	_, err := prompt.Run()
	return err == nil
}

// A Runner runs job instances and opens post-mortem sessions for failed ones
type Runner struct {
	config   RunConfig
	engine   Engine
	ledger   *Ledger
	prompter Prompter
	stdin    *stdinPump
	log      *logrus.Logger

	hinted bool // Whether the post-mortem hint was shown already
}

// NewRunner returns a runner using engine. Post-mortem snapshots are recorded in ledger.
// If prompter is nil, the operator is asked on the terminal.
func NewRunner(config RunConfig, engine Engine, ledger *Ledger, prompter Prompter) *Runner {
	config = config.withDefaults()
	stdin := newStdinPump(config.Stdin)
	if prompter == nil {
		prompter = terminalPrompter{stdin: stdin}
	}
	return &Runner{
		config:   config,
		engine:   engine,
		ledger:   ledger,
		prompter: prompter,
		stdin:    stdin,
		log:      config.Log,
	}
}

// Run starts inst and blocks until it exited. A non-zero exit status is reported as a failed result, never as an error.
// If post-mortem mode is enabled, a failed job's filesystem is snapshotted and an interactive shell is opened in it,
// blocking until the operator ends the session.
func (r *Runner) Run(ctx context.Context, inst *JobInstance) RunResult {
	log := r.log.WithField("descriptor", inst.Descriptor.Name())
	result := RunResult{
		Descriptor: inst.Descriptor,
		Image:      inst.Image,
		State:      Running,
		ExitCode:   -1,
	}

	log.Infof("Running job %s of image %s...", inst.Name, inst.Image)
	exitCode, err := r.engine.StartAndWait(ctx, inst.ID, r.config.Stdout, r.config.Stderr)
	result.ExitCode = exitCode
	if err != nil {
		log.Errorf("Job %s could not be run - %v", inst.Name, err)
		result.State = Failed
		result.Failed = true
		result.Err = err
		return result
	}

	if exitCode == 0 {
		log.Infof("Job %s succeeded", inst.Name)
		result.State = Succeeded
		return result
	}

	log.Warnf("Job %s failed with exit status %d", inst.Name, exitCode)
	result.State = Failed
	result.Failed = true

	if !r.config.PostMortem {
		if !r.hinted {
			log.Warn("Re-run with --post-mortem to open a shell in the final state of failed jobs")
			r.hinted = true
		}
		return result
	}

	r.postMortem(ctx, inst, &result, log)
	return result
}

// postMortem snapshots the failed instance and offers an interactive shell in the snapshot
func (r *Runner) postMortem(ctx context.Context, inst *JobInstance, result *RunResult, log *logrus.Entry) {
	ref := postMortemRef(inst.Image)
	log.Infof("Snapshotting job %s into %s...", inst.Name, ref)
	if err := r.engine.CommitContainer(ctx, inst.ID, ref); err != nil {
		log.Errorf("Failed to snapshot job %s - %v", inst.Name, err)
		result.Err = err
		return
	}
	r.ledger.AddImage(ref, true)
	result.PostMortemImage = ref
	result.State = PostMortemActive

	if r.config.AssumeYes || r.prompter.Confirm(fmt.Sprintf("Open a post-mortem shell in %s", ref)) {
		log.Infof("Opening post-mortem shell in %s, exit the shell to continue", ref)
		in := r.stdin.Attach()
		inFd, isTerminal := term.GetFdInfo(r.config.Stdin)
		err := r.engine.RunInteractive(ctx, ContainerSpec{
			Name:       DriverName + "-postmortem-" + strings.ToLower(uniuri.New()),
			Image:      ref,
			User:       "root",
			Cmd:        r.shellCommand(),
			CapAdd:     jobCapabilities,
			Privileged: true,
			Mounts:     r.config.Mounts,
			Labels:     objectLabels(r.config),
		}, Session{
			In:         in,
			Out:        r.config.Stdout,
			InFd:       inFd,
			IsTerminal: isTerminal,
		})
		in.Close()
		if err != nil {
			log.Errorf("Post-mortem shell in %s failed - %v", ref, err)
		}
	}
	result.State = Discarded
}

// shellCommand returns the command of post-mortem sessions
func (r *Runner) shellCommand() []string {
	if r.config.Shell != "" {
		return []string{r.config.Shell}
	}
	return []string{"/bin/sh", "-c", "if command -v bash >/dev/null 2>&1; then exec bash -l; else exec sh -l; fi"}
}

// postMortemRef returns a fresh reference for the snapshot of a failed job of image
func postMortemRef(image ImageHandle) string {
	repo := string(image)
	if i := strings.LastIndex(repo, ":"); i > strings.LastIndex(repo, "/") {
		repo = repo[:i]
	}
	return repo + ":postmortem-" + strings.ToLower(uniuri.NewLen(8))
}
