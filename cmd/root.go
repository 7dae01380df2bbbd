package cmd

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

var verbosity int
var quiet bool

var rootCmd = &cobra.Command{
	Use:   "cilocal",
	Short: "Run the CI jobs of a repository locally in docker, with a shell into failed jobs",
	Long: `cilocal builds the CI job images of a repository from the working tree, a local git reference
or a remote repository, runs every job and reports which ones failed.
Failed jobs can be inspected in a post-mortem shell started from their final state.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// newLogger returns a logger with the verbosity requested on the command line
func newLogger() *logrus.Logger {
	formatter := prefixed.TextFormatter{
		DisableTimestamp: true,
	}
	formatter.SetColorScheme(&prefixed.ColorScheme{})

	log := logrus.New()
	log.SetFormatter(&formatter)

	// Set logger verbosity
	if quiet || verbosity < 0 {
		log.SetOutput(io.Discard)
	} else if verbosity == 0 {
		log.SetLevel(logrus.WarnLevel)
	} else if verbosity == 1 {
		log.SetLevel(logrus.InfoLevel)
	} else if verbosity == 2 {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.TraceLevel)
	}
	return log
}

func init() {
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Increase the log verbosity, can be repeated.")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Disable all logging.")
}
