package cmd

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DominicWuest/cilocal/internal/server"
	"github.com/DominicWuest/cilocal/pkg/cilocal"
	"github.com/spf13/cobra"
)

// Exit statuses above this are reserved for fatal errors
const maxFailuresExitCode = 100

var (
	runScript       string
	runPostMortem   bool
	runMounts       []string
	runDepth        int
	runShell        string
	runRemoveImages bool
	runAssumeYes    bool
	runStatusPort   int
	runConfigPath   string
)

var runCmd = &cobra.Command{
	Use:   "run [reference]",
	Short: "Build and run all CI jobs of a repository",
	Long: `Build and run all CI jobs of a repository.

Without a reference, the working tree is built as is, including uncommitted changes.
A reference is either a revision of the local repository (a branch, tag or commit), which is never fetched,
or the URL of a remote repository, optionally followed by #<branch, tag or commit>.

Every file named Dockerfile.ci.<suffix> at the top of the repository is built and run as a separate job.
If there are none, a default image running ci.sh is used.

The exit status is the number of failed jobs.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(run(cmd, args))
	},
}

func run(cmd *cobra.Command, args []string) int {
	log := newLogger()

	config, err := loadRunConfig(cmd)
	if err != nil {
		log.Errorf("%v", err)
		return cilocal.ExitCode(err)
	}
	if len(args) == 1 {
		config.Reference = cilocal.ParseReference(args[0])
	}
	config.Log = log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipeline := cilocal.Pipeline{Config: config}

	if cmd.Flags().Changed("status-port") {
		srv, err := server.NewServer(server.HTTP, runStatusPort)
		if err != nil {
			log.Errorf("Failed to start status server - %v", err)
			return cilocal.ExitConfig
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		}()
		log.Warnf("Serving run status on http://localhost:%d/results", srv.Port())
		pipeline.Reporter = srv
	}

	failures, _, err := pipeline.Run(ctx)
	if err != nil {
		log.Errorf("%v", err)
		return cilocal.ExitCode(err)
	}
	return min(failures, maxFailuresExitCode)
}

// loadRunConfig reads the run config file, if there is one, and applies all flags set on the command line on top of it
func loadRunConfig(cmd *cobra.Command) (cilocal.RunConfig, error) {
	config := cilocal.RunConfig{}

	file, err := os.Open(runConfigPath)
	if err == nil {
		defer file.Close()
		if config, err = cilocal.GetRunConfig(file); err != nil {
			return config, err
		}
	} else if !errors.Is(err, fs.ErrNotExist) || cmd.Flags().Changed("config") {
		return config, &cilocal.ConfigError{Msg: "couldn't open run config " + runConfigPath, Err: err}
	}

	flags := cmd.Flags()
	if flags.Changed("script") {
		config.OverrideScript = runScript
	}
	if flags.Changed("post-mortem") {
		config.PostMortem = runPostMortem
	}
	if flags.Changed("mount") {
		mounts, err := cilocal.ParseMounts(runMounts)
		if err != nil {
			return config, err
		}
		config.Mounts = append(config.Mounts, mounts...)
	}
	if flags.Changed("depth") {
		config.CloneDepth = runDepth
	}
	if flags.Changed("shell") {
		config.Shell = runShell
	}
	if flags.Changed("rm-images") {
		config.RemoveImages = runRemoveImages
	}
	config.AssumeYes = runAssumeYes

	if config.WorkDir, err = os.Getwd(); err != nil {
		return config, &cilocal.ConfigError{Msg: "couldn't determine the working directory", Err: err}
	}

	return config, nil
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runScript, "script", "s", "", "Run this script in every job instead of ci.sh.")
	runCmd.Flags().BoolVarP(&runPostMortem, "post-mortem", "p", false, "Open a shell in the final state of failed jobs.")
	runCmd.Flags().StringArrayVarP(&runMounts, "mount", "m", nil, "Bind mount <host-path>:<container-path>[:ro|rw] into every job, can be repeated or comma separated.")
	runCmd.Flags().IntVar(&runDepth, "depth", cilocal.DefaultCloneDepth, "History depth when cloning a remote repository.")
	runCmd.Flags().StringVar(&runShell, "shell", "", "Shell to start in post-mortem sessions. Defaults to bash if the image has it, sh otherwise.")
	runCmd.Flags().BoolVar(&runRemoveImages, "rm-images", false, "Remove the built job images after the run.")
	runCmd.Flags().BoolVarP(&runAssumeYes, "assume-yes", "y", false, `Bypass "Are you sure?" messages.`)
	runCmd.Flags().IntVar(&runStatusPort, "status-port", 0, "Serve the state of the run over HTTP on this port, 0 picks a free one.")
	runCmd.Flags().StringVarP(&runConfigPath, "config", "c", ".cilocal.yml", "Run config file.")
}
