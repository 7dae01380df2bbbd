package cilocal

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/moby/term"
	"golang.org/x/sync/errgroup"
)

// dockerEngine is an [Engine] backed by the docker API
type dockerEngine struct {
	cli *client.Client
}

// NewDockerEngine connects to the docker daemon configured in the environment (DOCKER_HOST etc.).
// A daemon which can't be reached is a [ConfigError].
func NewDockerEngine(ctx context.Context) (Engine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, &ConfigError{Msg: "docker client creation failed", Err: err}
	}
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, &ConfigError{Msg: "docker daemon is not reachable", Err: err}
	}
	return &dockerEngine{cli: cli}, nil
}

func (d *dockerEngine) BuildImage(ctx context.Context, spec ImageSpec, out io.Writer) error {
	buildArgs := make(map[string]*string, len(spec.BuildArgs))
	for k, v := range spec.BuildArgs {
		buildArgs[k] = &v
	}

	buildRes, err := d.cli.ImageBuild(ctx, spec.Context, types.ImageBuildOptions{
		Tags:        []string{spec.Tag},
		Dockerfile:  spec.Dockerfile,
		BuildArgs:   buildArgs,
		Labels:      spec.Labels,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return err
	}
	defer buildRes.Body.Close()

	// Fails if the stream ends with an error detail, i.e. the build failed
	fd, isTerm := term.GetFdInfo(out)
	return jsonmessage.DisplayJSONMessagesStream(buildRes.Body, out, fd, isTerm, nil)
}

func (d *dockerEngine) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	containerConfig, hostConfig := containerConfigs(spec)
	resp, err := d.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (d *dockerEngine) StartAndWait(ctx context.Context, id string, stdout, stderr io.Writer) (int, error) {
	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return -1, errors.Join(fmt.Errorf("container start of %s failed", id), err)
	}

	exitCode := -1
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logs, err := d.cli.ContainerLogs(gctx, id, container.LogsOptions{
			ShowStdout: true,
			ShowStderr: true,
			Follow:     true,
		})
		if err != nil {
			return err
		}
		defer logs.Close()
		_, err = stdcopy.StdCopy(stdout, stderr, logs)
		return err
	})
	g.Go(func() error {
		var err error
		exitCode, err = d.wait(gctx, id)
		return err
	})
	return exitCode, g.Wait()
}

// wait blocks until the container with the passed id stopped running and returns its exit status
func (d *dockerEngine) wait(ctx context.Context, id string) (int, error) {
	statusCh, errCh := d.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("waiting for container %s failed - %s", id, status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

func (d *dockerEngine) CommitContainer(ctx context.Context, id, ref string) error {
	_, err := d.cli.ContainerCommit(ctx, id, container.CommitOptions{
		Reference: ref,
		Comment:   "post-mortem snapshot of " + id,
	})
	return err
}

func (d *dockerEngine) RunInteractive(ctx context.Context, spec ContainerSpec, session Session) error {
	containerConfig, hostConfig := containerConfigs(spec)
	containerConfig.Tty = true
	containerConfig.OpenStdin = true
	containerConfig.StdinOnce = true
	containerConfig.AttachStdin = true
	containerConfig.AttachStdout = true
	containerConfig.AttachStderr = true
	hostConfig.AutoRemove = true

	resp, err := d.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return errors.Join(fmt.Errorf("creation of interactive container from %s failed", spec.Image), err)
	}

	hijacked, err := d.cli.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		d.RemoveContainer(context.WithoutCancel(ctx), resp.ID)
		return errors.Join(fmt.Errorf("attaching to container %s failed", resp.ID), err)
	}
	defer hijacked.Close()

	if session.IsTerminal {
		state, err := term.SetRawTerminal(session.InFd)
		if err == nil {
			defer term.RestoreTerminal(session.InFd, state)
		}
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		d.RemoveContainer(context.WithoutCancel(ctx), resp.ID)
		return errors.Join(fmt.Errorf("starting interactive container %s failed", resp.ID), err)
	}

	if session.IsTerminal {
		if ws, err := term.GetWinsize(session.InFd); err == nil {
			d.cli.ContainerResize(ctx, resp.ID, container.ResizeOptions{
				Height: uint(ws.Height),
				Width:  uint(ws.Width),
			})
		}
	}

	// Ends once the caller closes session.In
	go func() {
		io.Copy(hijacked.Conn, session.In)
		hijacked.CloseWrite()
	}()
	if _, err := io.Copy(session.Out, hijacked.Reader); err != nil {
		return errors.Join(fmt.Errorf("interactive session in %s failed", resp.ID), err)
	}

	_, err = d.wait(ctx, resp.ID)
	if client.IsErrNotFound(err) {
		// Already removed
		return nil
	}
	return err
}

func (d *dockerEngine) RemoveContainer(ctx context.Context, id string) error {
	err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if client.IsErrNotFound(err) {
		return nil
	}
	return err
}

func (d *dockerEngine) RemoveImage(ctx context.Context, ref string) error {
	_, err := d.cli.ImageRemove(ctx, ref, image.RemoveOptions{
		PruneChildren: true,
		Force:         true,
	})
	if client.IsErrNotFound(err) {
		return nil
	}
	return err
}

func (d *dockerEngine) Close() error {
	return d.cli.Close()
}

// containerConfigs translates a container spec into the docker API configs
func containerConfigs(spec ContainerSpec) (*container.Config, *container.HostConfig) {
	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	return &container.Config{
			Image:  spec.Image,
			User:   spec.User,
			Cmd:    spec.Cmd,
			Labels: spec.Labels,
		}, &container.HostConfig{
			CapAdd:     spec.CapAdd,
			Privileged: spec.Privileged,
			Mounts:     mounts,
		}
}
