package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"

	"enclaverun/internal/enclave"
	xerrors "enclaverun/internal/errors"
	"enclaverun/pkg/logger"
)

const (
	labelEnclave = "enclaverun.enclave"
	labelService = "enclaverun.service"
	labelUUID    = "enclaverun.uuid"
)

// Pull policies.
const (
	PullMissing = "missing"
	PullAlways  = "always"
	PullNever   = "never"
)

// Config describes how enclave services map onto Docker containers.
type Config struct {
	Host       string            `yaml:"host" json:"host"`
	Network    string            `yaml:"network" json:"network"`
	PullPolicy string            `yaml:"pull_policy" json:"pull_policy"`
	Labels     map[string]string `yaml:"labels" json:"labels"`
	// RemoveOnClose removes every container of the enclave when the backend closes.
	RemoveOnClose bool `yaml:"remove_on_close" json:"remove_on_close"`
}

// Backend runs enclave services as Docker containers.
type Backend struct {
	cli     dockerClient
	enclave string
	cfg     Config
	logger  *slog.Logger

	mu        sync.Mutex
	services  map[string]*enclave.Service
	artifacts map[string]*enclave.FilesArtifact
}

// New connects to the Docker daemon and returns a backend for one enclave.
func New(ctx context.Context, enclaveName string, cfg Config) (*Backend, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeEnclaveBackend, err, "create docker client")
	}
	b := newBackend(cli, enclaveName, cfg)
	if err := b.adopt(ctx); err != nil {
		_ = cli.Close()
		return nil, err
	}
	return b, nil
}

// NewFactory adapts New to the registry factory signature.
func NewFactory(cfg Config) enclave.Factory {
	return func(ctx context.Context, name string) (enclave.Backend, error) {
		return New(ctx, name, cfg)
	}
}

func newBackend(cli dockerClient, enclaveName string, cfg Config) *Backend {
	if cfg.Network == "" {
		cfg.Network = "bridge"
	}
	if cfg.PullPolicy == "" {
		cfg.PullPolicy = PullMissing
	}
	return &Backend{
		cli:       cli,
		enclave:   enclaveName,
		cfg:       cfg,
		logger:    logger.Named("enclave.docker").With(slog.String("enclave", enclaveName)),
		services:  make(map[string]*enclave.Service),
		artifacts: make(map[string]*enclave.FilesArtifact),
	}
}

// adopt registers containers left behind by a previous daemon process.
func (b *Backend) adopt(ctx context.Context) error {
	containers, err := b.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelEnclave+"="+b.enclave)),
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeEnclaveBackend, err, "list enclave containers")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range containers {
		name := c.Labels[labelService]
		if name == "" {
			continue
		}
		svc := &enclave.Service{
			Name:        name,
			UUID:        c.Labels[labelUUID],
			Hostname:    name,
			ContainerID: c.ID,
			Config:      enclave.ServiceConfig{Image: c.Image},
		}
		if c.NetworkSettings != nil {
			if ep, ok := c.NetworkSettings.Networks[b.cfg.Network]; ok && ep != nil {
				svc.IPAddress = ep.IPAddress
			}
		}
		b.services[name] = svc
	}
	if len(containers) > 0 {
		b.logger.Info("adopted existing containers", slog.Int("count", len(containers)))
	}
	return nil
}

// AddService creates and starts the container of a service.
func (b *Backend) AddService(ctx context.Context, name string, cfg enclave.ServiceConfig) (*enclave.Service, error) {
	b.mu.Lock()
	if _, ok := b.services[name]; ok {
		b.mu.Unlock()
		return nil, enclave.ServiceExists(name)
	}
	var files []fileSpec
	mounts := make([]string, 0, len(cfg.Files))
	for mount := range cfg.Files {
		mounts = append(mounts, mount)
	}
	sort.Strings(mounts)
	for _, mount := range mounts {
		artifact, ok := b.artifacts[cfg.Files[mount]]
		if !ok {
			b.mu.Unlock()
			return nil, enclave.ArtifactNotFound(cfg.Files[mount])
		}
		files = append(files, artifactFiles(mount, artifact)...)
	}
	b.mu.Unlock()

	if cfg.Image == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "service '"+name+"' has no image")
	}
	if b.cfg.PullPolicy == PullAlways {
		if err := b.pullImage(ctx, cfg.Image); err != nil {
			return nil, err
		}
	}

	serviceUUID := strings.ReplaceAll(uuid.NewString(), "-", "")
	containerCfg, err := b.containerConfig(name, serviceUUID, cfg)
	if err != nil {
		return nil, err
	}
	hostCfg := &container.HostConfig{NetworkMode: container.NetworkMode(b.cfg.Network)}
	ctrName := containerName(b.enclave, name)

	resp, err := b.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, ctrName)
	if err != nil && errdefs.IsNotFound(err) && b.cfg.PullPolicy == PullMissing {
		if pullErr := b.pullImage(ctx, cfg.Image); pullErr != nil {
			return nil, pullErr
		}
		resp, err = b.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, ctrName)
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeEnclaveBackend, err, "create container for service '"+name+"'")
	}

	cleanup := func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if rmErr := b.cli.ContainerRemove(removeCtx, resp.ID, container.RemoveOptions{Force: true}); rmErr != nil {
			b.logger.Warn("remove failed container", slog.String("container", resp.ID), slog.Any("error", rmErr))
		}
	}

	if len(files) > 0 {
		reader, err := makeArchive(files)
		if err != nil {
			cleanup()
			return nil, err
		}
		if err := b.cli.CopyToContainer(ctx, resp.ID, "/", reader, types.CopyToContainerOptions{AllowOverwriteDirWithFile: true}); err != nil {
			cleanup()
			return nil, xerrors.Wrap(xerrors.CodeEnclaveBackend, err, "copy files into service '"+name+"'")
		}
	}

	if err := b.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		cleanup()
		return nil, xerrors.Wrap(xerrors.CodeEnclaveBackend, err, "start service '"+name+"'")
	}

	info, err := b.cli.ContainerInspect(ctx, resp.ID)
	if err != nil {
		cleanup()
		return nil, xerrors.Wrap(xerrors.CodeEnclaveBackend, err, "inspect service '"+name+"'")
	}

	cloned := enclave.CloneConfig(cfg)
	svc := &enclave.Service{
		Name:        name,
		UUID:        serviceUUID,
		IPAddress:   ipAddress(info, b.cfg.Network),
		Hostname:    name,
		ContainerID: resp.ID,
		Ports:       cloned.Ports,
		Config:      cloned,
	}

	b.mu.Lock()
	if _, ok := b.services[name]; ok {
		b.mu.Unlock()
		cleanup()
		return nil, enclave.ServiceExists(name)
	}
	b.services[name] = svc
	b.mu.Unlock()

	b.logger.Info("service started", slog.String("service", name), slog.String("container", resp.ID), slog.String("ip", svc.IPAddress))
	out := *svc
	return &out, nil
}

// RemoveService force-removes the container of a service.
func (b *Backend) RemoveService(ctx context.Context, name string) (string, error) {
	b.mu.Lock()
	svc, ok := b.services[name]
	b.mu.Unlock()
	if !ok {
		return "", enclave.ServiceNotFound(name)
	}
	if err := b.cli.ContainerRemove(ctx, svc.ContainerID, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		return "", xerrors.Wrap(xerrors.CodeEnclaveBackend, err, "remove service '"+name+"'")
	}
	b.mu.Lock()
	delete(b.services, name)
	b.mu.Unlock()
	b.logger.Info("service removed", slog.String("service", name))
	return svc.UUID, nil
}

// Exec runs a command inside a service and collects its combined output.
func (b *Backend) Exec(ctx context.Context, serviceName string, cmd []string) (enclave.ExecResult, error) {
	if len(cmd) == 0 {
		return enclave.ExecResult{}, xerrors.New(xerrors.CodeInvalidArgument, "command cannot be empty")
	}
	b.mu.Lock()
	svc, ok := b.services[serviceName]
	b.mu.Unlock()
	if !ok {
		return enclave.ExecResult{}, enclave.ServiceNotFound(serviceName)
	}

	created, err := b.cli.ContainerExecCreate(ctx, svc.ContainerID, types.ExecConfig{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return enclave.ExecResult{}, xerrors.Wrap(xerrors.CodeEnclaveBackend, err, "create exec in service '"+serviceName+"'")
	}
	attach, err := b.cli.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return enclave.ExecResult{}, xerrors.Wrap(xerrors.CodeEnclaveBackend, err, "attach exec in service '"+serviceName+"'")
	}
	defer attach.Close()

	var output bytes.Buffer
	if _, err := stdcopy.StdCopy(&output, &output, attach.Reader); err != nil && !errors.Is(err, io.EOF) {
		return enclave.ExecResult{}, xerrors.Wrap(xerrors.CodeEnclaveBackend, err, "read exec output")
	}

	inspect, err := b.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return enclave.ExecResult{}, xerrors.Wrap(xerrors.CodeEnclaveBackend, err, "inspect exec")
	}
	return enclave.ExecResult{ExitCode: inspect.ExitCode, Output: output.String()}, nil
}

// StoreFilesArtifact keeps the artifact in the daemon; it is copied into
// containers when a service mounts it.
func (b *Backend) StoreFilesArtifact(_ context.Context, name string, files map[string][]byte) (*enclave.FilesArtifact, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.artifacts[name]; ok {
		return nil, xerrors.New(enclave.CodeArtifactExists, "files artifact '"+name+"' already exists")
	}
	artifact := &enclave.FilesArtifact{
		Name:  name,
		UUID:  strings.ReplaceAll(uuid.NewString(), "-", ""),
		Files: make(map[string][]byte, len(files)),
	}
	for p, data := range files {
		artifact.Files[p] = append([]byte(nil), data...)
	}
	b.artifacts[name] = artifact
	return &enclave.FilesArtifact{Name: name, UUID: artifact.UUID}, nil
}

// GetService returns a copy of the named service.
func (b *Backend) GetService(_ context.Context, name string) (*enclave.Service, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	svc, ok := b.services[name]
	if !ok {
		return nil, enclave.ServiceNotFound(name)
	}
	out := *svc
	return &out, nil
}

// ListServices returns all services sorted by name.
func (b *Backend) ListServices(context.Context) ([]*enclave.Service, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*enclave.Service, 0, len(b.services))
	for _, svc := range b.services {
		cp := *svc
		out = append(out, &cp)
	}
	enclave.SortServices(out)
	return out, nil
}

// ListFilesArtifacts returns the names of stored artifacts.
func (b *Backend) ListFilesArtifacts(context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.artifacts))
	for name := range b.artifacts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Close releases the Docker client, removing containers when configured to.
func (b *Backend) Close() error {
	var errs []error
	if b.cfg.RemoveOnClose {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		b.mu.Lock()
		for name, svc := range b.services {
			if err := b.cli.ContainerRemove(ctx, svc.ContainerID, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
				errs = append(errs, fmt.Errorf("remove service %s: %w", name, err))
			}
		}
		b.services = make(map[string]*enclave.Service)
		b.mu.Unlock()
		cancel()
	}
	errs = append(errs, b.cli.Close())
	return errors.Join(errs...)
}

func (b *Backend) pullImage(ctx context.Context, ref string) error {
	reader, err := b.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeEnclaveBackend, err, "pull image "+ref)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return xerrors.Wrap(xerrors.CodeEnclaveBackend, err, "consume pull output for "+ref)
	}
	return nil
}

func (b *Backend) containerConfig(name, serviceUUID string, cfg enclave.ServiceConfig) (*container.Config, error) {
	labels := map[string]string{
		labelEnclave: b.enclave,
		labelService: name,
		labelUUID:    serviceUUID,
	}
	for k, v := range b.cfg.Labels {
		labels[k] = v
	}

	env := make([]string, 0, len(cfg.EnvVars))
	for k, v := range cfg.EnvVars {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	exposed := nat.PortSet{}
	for portName, spec := range cfg.Ports {
		proto := strings.ToLower(spec.Protocol)
		if proto == "" {
			proto = "tcp"
		}
		port, err := nat.NewPort(proto, fmt.Sprint(spec.Number))
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid port '"+portName+"'")
		}
		exposed[port] = struct{}{}
	}

	return &container.Config{
		Hostname:     name,
		Image:        cfg.Image,
		Env:          env,
		Cmd:          cfg.Cmd,
		Entrypoint:   cfg.Entrypoint,
		ExposedPorts: exposed,
		Labels:       labels,
	}, nil
}

func containerName(enclaveName, service string) string {
	return "enclave-" + enclaveName + "-" + service
}

func ipAddress(info types.ContainerJSON, networkName string) string {
	if info.NetworkSettings == nil {
		return ""
	}
	if ep, ok := info.NetworkSettings.Networks[networkName]; ok && ep != nil && ep.IPAddress != "" {
		return ep.IPAddress
	}
	return info.NetworkSettings.IPAddress
}

type fileSpec struct {
	Name string
	Mode int64
	Data []byte
}

func artifactFiles(mount string, artifact *enclave.FilesArtifact) []fileSpec {
	names := make([]string, 0, len(artifact.Files))
	for name := range artifact.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]fileSpec, 0, len(names))
	for _, name := range names {
		out = append(out, fileSpec{
			Name: strings.TrimPrefix(path.Join(mount, name), "/"),
			Data: artifact.Files[name],
		})
	}
	return out
}

func makeArchive(files []fileSpec) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	now := time.Now()
	for _, file := range files {
		mode := file.Mode
		if mode == 0 {
			mode = 0o644
		}
		header := &tar.Header{
			Name:    file.Name,
			Mode:    mode,
			Size:    int64(len(file.Data)),
			ModTime: now,
		}
		if err := tw.WriteHeader(header); err != nil {
			return nil, fmt.Errorf("write tar header: %w", err)
		}
		if _, err := tw.Write(file.Data); err != nil {
			return nil, fmt.Errorf("write tar contents: %w", err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar writer: %w", err)
	}
	return bytes.NewReader(buf.Bytes()), nil
}

var _ enclave.Backend = (*Backend)(nil)
