package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"

	"github.com/isdmx/scriptbox/errdefs"
)

// Location selects where ImageExists looks for an image
type Location string

// Image locations
const (
	Local    Location = "local"
	Registry Location = "registry"
)

// DockerAPI is the subset of the Docker Engine client used by the sandbox.
// *client.Client satisfies it.
type DockerAPI interface {
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	DistributionInspect(ctx context.Context, imageRef, encodedRegistryAuth string) (registry.DistributionInspect, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error
}

// Volume binds a host path into a container
type Volume struct {
	Bind string
	Mode string // "ro" or "rw"
}

// RunOptions holds passthrough options for RunContainer
type RunOptions struct {
	Name       string
	Volumes    map[string]Volume // host path -> binding
	Env        map[string]string
	Cmd        []string
	AutoRemove bool
}

// Client manages images and containers
type Client struct {
	logger *zap.Logger
	api    DockerAPI
}

// ClientOption defines a functional option for Client
type ClientOption func(*clientOptions)

type clientOptions struct {
	api  DockerAPI
	host string
}

// WithDockerAPI replaces the Docker Engine client
func WithDockerAPI(api DockerAPI) ClientOption {
	return func(o *clientOptions) {
		o.api = api
	}
}

// WithHost points the client at a specific daemon socket
func WithHost(host string) ClientOption {
	return func(o *clientOptions) {
		o.host = host
	}
}

// NewClient creates a Client. Without WithDockerAPI it connects using the
// standard DOCKER_* environment variables.
func NewClient(logger *zap.Logger, opts ...ClientOption) (*Client, error) {
	options := &clientOptions{}
	for _, opt := range opts {
		opt(options)
	}

	if options.api == nil {
		clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
		if options.host != "" {
			clientOpts = append(clientOpts, client.WithHost(options.host))
		}
		cli, err := client.NewClientWithOpts(clientOpts...)
		if err != nil {
			return nil, errdefs.Environment("unable to create docker client, make sure the docker service is running: %v", err)
		}
		options.api = cli
	}

	return &Client{logger: logger, api: options.api}, nil
}

// Close releases the connection to the engine
func (c *Client) Close() error {
	if closer, ok := c.api.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// ImageExists checks whether image is available at the given location.
// A not-found answer from either source is reported as false.
func (c *Client) ImageExists(ctx context.Context, img string, where Location) (bool, error) {
	var err error
	switch where {
	case Local, "":
		_, err = c.api.ImageInspect(ctx, img)
	case Registry:
		_, err = c.api.DistributionInspect(ctx, img, "")
	default:
		return false, errdefs.Validation("unknown image location %q", where)
	}

	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to inspect image %q in %s: %w", img, where, err)
	}
	return true, nil
}

// BuildImage makes image available locally. It is a no-op when the image is
// already present. With a nil dockerfile the image is pulled from the
// registry, otherwise it is built from the dockerfile and tagged as image.
func (c *Client) BuildImage(ctx context.Context, img string, dockerfile io.Reader) error {
	exists, err := c.ImageExists(ctx, img, Local)
	if err != nil {
		return err
	}
	if exists {
		c.logger.Info("skipping build process, image already exists", zap.String("image", img))
		return nil
	}

	if dockerfile == nil {
		return c.pullImage(ctx, img)
	}

	content, err := io.ReadAll(dockerfile)
	if err != nil {
		return fmt.Errorf("failed to read dockerfile for %q: %w", img, err)
	}
	buildContext, err := dockerfileContext(content)
	if err != nil {
		return err
	}

	c.logger.Info("building image from dockerfile", zap.String("image", img))
	resp, err := c.api.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Tags:        []string{img},
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return fmt.Errorf("failed to build image %q: %w", img, err)
	}
	defer resp.Body.Close()

	return c.logBuildOutput(img, resp.Body)
}

// BuildImageFromFile builds image from a Dockerfile on disk
func (c *Client) BuildImageFromFile(ctx context.Context, img, dockerfilePath string) error {
	content, err := os.ReadFile(dockerfilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return errdefs.NotFound("dockerfile %q", dockerfilePath)
		}
		return fmt.Errorf("failed to read dockerfile %q: %w", dockerfilePath, err)
	}
	return c.BuildImage(ctx, img, bytes.NewReader(content))
}

func (c *Client) pullImage(ctx context.Context, img string) error {
	inRegistry, err := c.ImageExists(ctx, img, Registry)
	if err != nil {
		return err
	}
	if !inRegistry {
		return errdefs.NotFound("image %q in registry", img)
	}

	c.logger.Info("pulling image from registry", zap.String("image", img))
	reader, err := c.api.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %q: %w", img, err)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image %q: %w", img, err)
	}
	return nil
}

// logBuildOutput forwards each build log line to the logger as it arrives.
func (c *Client) logBuildOutput(img string, body io.Reader) error {
	decoder := json.NewDecoder(body)
	for {
		var msg jsonmessage.JSONMessage
		if err := decoder.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read build output for %q: %w", img, err)
		}

		if msg.Error != nil {
			return fmt.Errorf("failed to build image %q: %s", img, msg.Error.Message)
		}
		if msg.ErrorMessage != "" {
			return fmt.Errorf("failed to build image %q: %s", img, msg.ErrorMessage)
		}
		if line := strings.TrimSpace(msg.Stream); line != "" {
			c.logger.Info(line, zap.String("image", img))
		}
	}
}

// RunContainer creates and starts a container from a locally available image.
// It never builds or pulls; call BuildImage first.
func (c *Client) RunContainer(ctx context.Context, img string, opts RunOptions) (Container, error) {
	exists, err := c.ImageExists(ctx, img, Local)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errdefs.NotFound("build for image %q", img)
	}

	hostConfig := &container.HostConfig{
		AutoRemove: opts.AutoRemove,
		Binds:      bindsFromVolumes(opts.Volumes),
	}
	config := &container.Config{
		Image: img,
		Cmd:   opts.Cmd,
		Env:   envList(opts.Env),
	}

	c.logger.Info("starting up container", zap.String("image", img), zap.String("name", opts.Name))
	created, err := c.api.ContainerCreate(ctx, config, hostConfig, nil, nil, opts.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container from %q: %w", img, err)
	}

	if err := c.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container %s: %w", shortID(created.ID), err)
	}

	return &dockerContainer{logger: c.logger, api: c.api, id: created.ID}, nil
}

// CopyPathToContainer archives src and extracts it at target inside the container
func (c *Client) CopyPathToContainer(ctx context.Context, containerID, src, target string) error {
	if _, err := os.Stat(src); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return errdefs.NotFound("source path %q", src)
		}
		return fmt.Errorf("failed to stat %q: %w", src, err)
	}

	c.logger.Info("copying path into container",
		zap.String("src", src),
		zap.String("target", target),
		zap.String("container", shortID(containerID)))

	archive, err := ArchivePath(src, DefaultExcludePatterns)
	if err != nil {
		return fmt.Errorf("failed to archive %q: %w", src, err)
	}

	if err := c.api.CopyToContainer(ctx, containerID, target, bytes.NewReader(archive), container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("failed to copy %q into container %s: %w", src, shortID(containerID), err)
	}
	return nil
}

func bindsFromVolumes(volumes map[string]Volume) []string {
	if len(volumes) == 0 {
		return nil
	}
	binds := make([]string, 0, len(volumes))
	for hostPath, v := range volumes {
		mode := v.Mode
		if mode == "" {
			mode = "rw"
		}
		binds = append(binds, fmt.Sprintf("%s:%s:%s", hostPath, v.Bind, mode))
	}
	sort.Strings(binds)
	return binds
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	list := make([]string, 0, len(env))
	for key, value := range env {
		list = append(list, key+"="+value)
	}
	sort.Strings(list)
	return list
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
