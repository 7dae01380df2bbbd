package cilocal

import (
	"io"
	"os"
	"os/user"

	"github.com/creasty/defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	DefaultScriptName       = "ci.sh"          // The script run by a job unless an override script is given
	DefaultDescriptorPrefix = "Dockerfile.ci." // Files in the build context starting with this prefix are job descriptors
	DefaultCloneDepth       = 50               // History depth of clones of remote references
	DriverName              = "cilocal"        // Passed to builds as CI_DRIVER and used as label on all created docker objects
)

type configYaml struct {
	Script           string   `yaml:"script" default:"ci.sh"`
	DescriptorPrefix string   `yaml:"descriptorPrefix" default:"Dockerfile.ci."`
	Depth            int      `yaml:"depth" default:"50"`
	Mounts           []string `yaml:"mounts"`
	Shell            string   `yaml:"shell"`
	PostMortem       bool     `yaml:"postMortem"`
	RemoveImages     bool     `yaml:"removeImages"`
}

// Operator is the identity of the user invoking a run.
// Its ids are passed into builds and job instances so files written by a job are owned by the operator.
type Operator struct {
	Name string
	UID  string
	GID  string
}

// CurrentOperator looks up the operator running this process.
func CurrentOperator() (Operator, error) {
	u, err := user.Current()
	if err != nil {
		return Operator{}, &ConfigError{Msg: "couldn't determine the invoking user", Err: err}
	}
	return Operator{Name: u.Username, UID: u.Uid, GID: u.Gid}, nil
}

// RunConfig is the complete, immutable configuration of a single run.
// It is constructed once and handed to every component by value.
type RunConfig struct {
	Reference      Reference // The revision to build, nil for the current working tree
	OverrideScript string    // Path to a script replacing the default script as the jobs' entry command. Empty if none

	ScriptName       string // Name of the default script at the root of the build context
	DescriptorPrefix string // Filename prefix of job descriptors
	CloneDepth       int    // History depth of remote clones

	WorkDir string // The working tree the run is started from
	TempDir string // Where isolated build contexts are allocated, os.TempDir() if empty

	Mounts []Mount // Bind mounts passed into every job instance

	PostMortem   bool   // Whether to open a shell in the final state of failed jobs
	AssumeYes    bool   // Skip confirmation prompts
	Shell        string // Shell for post-mortem sessions, empty to pick bash or sh from the image
	RemoveImages bool   // Remove built job images at the end of the run

	Operator Operator
	RunID    string // Label value identifying the docker objects created by this run, generated if empty

	Log *logrus.Logger // The log to which information gets printed to

	Stdin  io.Reader // Input of interactive post-mortem sessions
	Stdout io.Writer // Receives build and job output
	Stderr io.Writer
}

// GetRunConfig reads a run config in yaml format from a reader.
// Fields not present in the yaml are set to their defaults; fields only settable from the command line are left empty.
func GetRunConfig(r io.Reader) (RunConfig, error) {
	var config configYaml

	decoder := yaml.NewDecoder(r)
	if err := decoder.Decode(&config); err != nil && err != io.EOF {
		return RunConfig{}, &ConfigError{Msg: "couldn't decode run config", Err: err}
	}
	if err := defaults.Set(&config); err != nil {
		return RunConfig{}, &ConfigError{Msg: "couldn't set run config defaults", Err: err}
	}

	mounts, err := ParseMounts(config.Mounts)
	if err != nil {
		return RunConfig{}, err
	}

	return RunConfig{
		ScriptName:       config.Script,
		DescriptorPrefix: config.DescriptorPrefix,
		CloneDepth:       config.Depth,

		Mounts: mounts,

		PostMortem:   config.PostMortem,
		Shell:        config.Shell,
		RemoveImages: config.RemoveImages,
	}, nil
}

// withDefaults fills in every field which was left empty
func (c RunConfig) withDefaults() RunConfig {
	if c.ScriptName == "" {
		c.ScriptName = DefaultScriptName
	}
	if c.DescriptorPrefix == "" {
		c.DescriptorPrefix = DefaultDescriptorPrefix
	}
	if c.CloneDepth <= 0 {
		c.CloneDepth = DefaultCloneDepth
	}
	if c.Log == nil {
		// Mute logger
		c.Log = logrus.New()
		c.Log.SetOutput(io.Discard)
	}
	if c.Stdin == nil {
		c.Stdin = os.Stdin
	}
	if c.Stdout == nil {
		c.Stdout = os.Stdout
	}
	if c.Stderr == nil {
		c.Stderr = os.Stderr
	}
	return c
}
