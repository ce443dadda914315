package enclave

import (
	"context"
	"net/http"
	"sort"
	"strings"

	xerrors "enclaverun/internal/errors"
)

// PortSpec describes a port a service exposes.
type PortSpec struct {
	Number   uint16 `json:"number"`
	Protocol string `json:"transport_protocol"`
}

// ServiceConfig is everything needed to start a service container.
type ServiceConfig struct {
	Image      string              `json:"image"`
	Ports      map[string]PortSpec `json:"ports,omitempty"`
	EnvVars    map[string]string   `json:"env_vars,omitempty"`
	Cmd        []string            `json:"cmd,omitempty"`
	Entrypoint []string            `json:"entrypoint,omitempty"`
	// Files maps a mount directory inside the container to an artifact name.
	Files map[string]string `json:"files,omitempty"`
}

// Service is a running service inside an enclave.
type Service struct {
	Name        string              `json:"name"`
	UUID        string              `json:"uuid"`
	IPAddress   string              `json:"ip_address"`
	Hostname    string              `json:"hostname"`
	ContainerID string              `json:"container_id,omitempty"`
	Ports       map[string]PortSpec `json:"ports,omitempty"`
	Config      ServiceConfig       `json:"config"`
}

// ExecResult is the outcome of a command run inside a service.
type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
}

// FilesArtifact is a named bundle of files stored in the enclave.
type FilesArtifact struct {
	Name  string            `json:"name"`
	UUID  string            `json:"uuid"`
	Files map[string][]byte `json:"-"`
}

// Backend applies instructions to the containers of one enclave.
type Backend interface {
	AddService(ctx context.Context, name string, cfg ServiceConfig) (*Service, error)
	RemoveService(ctx context.Context, name string) (string, error)
	Exec(ctx context.Context, serviceName string, cmd []string) (ExecResult, error)
	StoreFilesArtifact(ctx context.Context, name string, files map[string][]byte) (*FilesArtifact, error)
	GetService(ctx context.Context, name string) (*Service, error)
	ListServices(ctx context.Context) ([]*Service, error)
	ListFilesArtifacts(ctx context.Context) ([]string, error)
	Close() error
}

const (
	CodeServiceNotFound  xerrors.Code = "SERVICE_NOT_FOUND"
	CodeServiceExists    xerrors.Code = "SERVICE_ALREADY_EXISTS"
	CodeArtifactNotFound xerrors.Code = "FILES_ARTIFACT_NOT_FOUND"
	CodeArtifactExists   xerrors.Code = "FILES_ARTIFACT_ALREADY_EXISTS"
	CodeEnclaveExists    xerrors.Code = "ENCLAVE_ALREADY_EXISTS"
)

func init() {
	xerrors.Register(CodeServiceNotFound, xerrors.Attributes{
		Message:   "service not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
		Status:    http.StatusNotFound,
	})
	xerrors.Register(CodeServiceExists, xerrors.Attributes{
		Message:   "service already exists",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
		Status:    http.StatusConflict,
	})
	xerrors.Register(CodeArtifactNotFound, xerrors.Attributes{
		Message:   "files artifact not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
		Status:    http.StatusNotFound,
	})
	xerrors.Register(CodeArtifactExists, xerrors.Attributes{
		Message:   "files artifact already exists",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
		Status:    http.StatusConflict,
	})
	xerrors.Register(CodeEnclaveExists, xerrors.Attributes{
		Message:   "enclave already exists",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
		Status:    http.StatusConflict,
	})
}

// ServiceNotFound builds the error returned for unknown services.
func ServiceNotFound(name string) error {
	return xerrors.New(CodeServiceNotFound, "service '"+name+"' does not exist", xerrors.WithMetadata("service", name))
}

// ServiceExists builds the error returned when a name is already taken.
func ServiceExists(name string) error {
	return xerrors.New(CodeServiceExists, "service '"+name+"' already exists", xerrors.WithMetadata("service", name))
}

// ArtifactNotFound builds the error returned for unknown artifacts.
func ArtifactNotFound(name string) error {
	return xerrors.New(CodeArtifactNotFound, "files artifact '"+name+"' does not exist", xerrors.WithMetadata("artifact", name))
}

// CloneConfig deep-copies a service config.
func CloneConfig(cfg ServiceConfig) ServiceConfig {
	out := cfg
	out.Ports = clonePorts(cfg.Ports)
	if cfg.EnvVars != nil {
		out.EnvVars = make(map[string]string, len(cfg.EnvVars))
		for k, v := range cfg.EnvVars {
			out.EnvVars[k] = v
		}
	}
	if cfg.Files != nil {
		out.Files = make(map[string]string, len(cfg.Files))
		for k, v := range cfg.Files {
			out.Files[k] = v
		}
	}
	out.Cmd = append([]string(nil), cfg.Cmd...)
	out.Entrypoint = append([]string(nil), cfg.Entrypoint...)
	return out
}

func clonePorts(ports map[string]PortSpec) map[string]PortSpec {
	if ports == nil {
		return nil
	}
	out := make(map[string]PortSpec, len(ports))
	for k, v := range ports {
		if v.Protocol == "" {
			v.Protocol = "TCP"
		}
		v.Protocol = strings.ToUpper(v.Protocol)
		out[k] = v
	}
	return out
}

// SortServices orders services by name.
func SortServices(services []*Service) {
	sort.Slice(services, func(i, j int) bool { return services[i].Name < services[j].Name })
}
