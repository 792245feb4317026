// Package docker executes matrix jobs as containers against a Docker engine:
// the image is built once from the already-rendered definition, each job runs
// in its own container, logs stream in follow mode, and declared output
// paths are copied out of the container filesystem before removal.
package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/runprism/alto/internal/transport"
)

// agentLabel marks every container started by this engine so teardown can
// find strays by agent name.
const agentLabel = "alto.agent"

// Client wraps the Docker SDK client behind the operations the backend needs.
type Client struct {
	inner *client.Client
}

// NewClient creates a Docker client from environment defaults, overridden by
// host when set.
func NewClient(host string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Client{inner: inner}, nil
}

// Ping validates connectivity to the Docker daemon.
func (c *Client) Ping(ctx context.Context) error {
	ping, err := c.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	return nil
}

// Close releases resources held by the Docker client.
func (c *Client) Close() error {
	return c.inner.Close()
}

// HasImage reports whether an image with the given tag exists, returning its
// id when present.
func (c *Client) HasImage(ctx context.Context, tag string) (string, bool, error) {
	inspect, _, err := c.inner.ImageInspectWithRaw(ctx, tag)
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("inspect image %s: %w", tag, err)
	}
	return inspect.ID, true, nil
}

// BuildImage builds dir as the build context and tags the result. Build
// output lines stream to onOutput. Returns the built image id.
func (c *Client) BuildImage(ctx context.Context, dir, tag string, onOutput func(string)) (string, error) {
	buildCtx, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		return "", fmt.Errorf("create build context: %w", err)
	}
	defer buildCtx.Close()

	resp, err := c.inner.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{tag},
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return "", fmt.Errorf("docker image build: %w", err)
	}
	defer resp.Body.Close()

	decoder := json.NewDecoder(resp.Body)
	for {
		var msg buildMessage
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			return "", fmt.Errorf("decode build output: %w", err)
		}
		if errMsg := msg.errorMessage(); errMsg != "" {
			return "", fmt.Errorf("docker image build: %s", errMsg)
		}
		if line := strings.TrimSpace(msg.Stream); line != "" && onOutput != nil {
			onOutput(line)
		}
	}

	id, ok, err := c.HasImage(ctx, tag)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("image %s missing after build", tag)
	}
	return id, nil
}

// RemoveImage removes an image by tag or id. A missing image is success.
func (c *Client) RemoveImage(ctx context.Context, ref string) error {
	if _, err := c.inner.ImageRemove(ctx, ref, image.RemoveOptions{Force: true, PruneChildren: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove image %s: %w", ref, err)
	}
	return nil
}

// RunContainer creates and starts one container for a job.
func (c *Client) RunContainer(ctx context.Context, name, imageTag string, cmd, env []string, labels map[string]string) (string, error) {
	cfg := &container.Config{
		Image:  imageTag,
		Cmd:    cmd,
		Env:    env,
		Labels: labels,
	}
	created, err := c.inner.ContainerCreate(ctx, cfg, &container.HostConfig{}, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}
	if err := c.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("container start: %w", err)
	}
	return created.ID, nil
}

// StreamLogs follows the container's demultiplexed stdout and stderr,
// delivering each line to out until the container stops.
func (c *Client) StreamLogs(ctx context.Context, containerID string, out transport.LineWriter) error {
	logs, err := c.inner.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return fmt.Errorf("container logs: %w", err)
	}
	defer logs.Close()

	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, logs)
		pw.CloseWithError(err)
	}()

	var partial []byte
	buf := make([]byte, 32*1024)
	for {
		n, err := pr.Read(buf)
		if n > 0 {
			partial = append(partial, buf[:n]...)
			for {
				idx := bytes.IndexByte(partial, '\n')
				if idx < 0 {
					break
				}
				if out != nil {
					out(strings.TrimRight(string(partial[:idx]), "\r"))
				}
				partial = partial[idx+1:]
			}
		}
		if err == io.EOF {
			if len(partial) > 0 && out != nil {
				out(string(partial))
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("read container logs: %w", err)
		}
	}
}

// WaitExit blocks until the container stops and returns its exit code.
func (c *Client) WaitExit(ctx context.Context, containerID string) (int64, error) {
	statusCh, errCh := c.inner.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if client.IsErrNotFound(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("wait for container: %w", err)
	case status := <-statusCh:
		return status.StatusCode, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// CopyFrom extracts srcPath from the container filesystem into destDir,
// returning the local files written.
func (c *Client) CopyFrom(ctx context.Context, containerID, srcPath, destDir string) ([]string, error) {
	reader, _, err := c.inner.CopyFromContainer(ctx, containerID, srcPath)
	if err != nil {
		return nil, fmt.Errorf("copy %s from container: %w", srcPath, err)
	}
	defer reader.Close()

	var written []string
	tr := tar.NewReader(reader)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, fmt.Errorf("read copy stream: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		local := filepath.Join(destDir, filepath.Base(hdr.Name))
		if err := os.MkdirAll(destDir, 0o755); err != nil {
			return written, err
		}
		f, err := os.Create(local)
		if err != nil {
			return written, fmt.Errorf("create %s: %w", local, err)
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return written, fmt.Errorf("write %s: %w", local, err)
		}
		if err := f.Close(); err != nil {
			return written, err
		}
		written = append(written, local)
	}
}

// RemoveContainer force-removes a container. A missing container is success.
func (c *Client) RemoveContainer(ctx context.Context, containerID string) error {
	if err := c.inner.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// ListAgentContainers returns the ids of containers labeled with the agent
// name, running or not.
func (c *Client) ListAgentContainers(ctx context.Context, agent string) ([]string, error) {
	list, err := c.inner.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", agentLabel+"="+agent)),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	ids := make([]string, 0, len(list))
	for _, item := range list {
		ids = append(ids, item.ID)
	}
	return ids, nil
}

type buildMessage struct {
	Stream      string `json:"stream"`
	Error       string `json:"error"`
	ErrorDetail struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
}

func (m buildMessage) errorMessage() string {
	if msg := strings.TrimSpace(m.Error); msg != "" {
		return msg
	}
	return strings.TrimSpace(m.ErrorDetail.Message)
}
