package engine

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.starlark.net/starlark"

	"enclaverun/internal/enclave"
)

const (
	AddServiceBuiltin      = "add_service"
	RemoveServiceBuiltin   = "remove_service"
	ExecBuiltin            = "exec"
	UploadFilesBuiltin     = "upload_files"
	RenderTemplatesBuiltin = "render_templates"
	PrintBuiltin           = "print"
)

type addServiceInstruction struct {
	baseInstruction
	serviceName string
	config      enclave.ServiceConfig
}

func (i *addServiceInstruction) ValidateAndUpdate(env *ValidatorEnvironment) error {
	if env.HasService(i.serviceName) {
		return fmt.Errorf("%s: service '%s' already exists", i.name, i.serviceName)
	}
	mounts := make([]string, 0, len(i.config.Files))
	for mount := range i.config.Files {
		mounts = append(mounts, mount)
	}
	sort.Strings(mounts)
	for _, mount := range mounts {
		if artifact := i.config.Files[mount]; !env.HasArtifact(artifact) {
			return fmt.Errorf("%s: files artifact '%s' does not exist", i.name, artifact)
		}
	}
	env.AddService(i.serviceName)
	env.RequireImage(i.config.Image)
	return nil
}

func (i *addServiceInstruction) Execute(ctx context.Context, env *ExecutionEnvironment) (string, error) {
	cfg := enclave.CloneConfig(i.config)
	var err error
	if cfg.Cmd, err = env.Values.ReplaceAll(ctx, env.Backend, cfg.Cmd); err != nil {
		return "", err
	}
	if cfg.Entrypoint, err = env.Values.ReplaceAll(ctx, env.Backend, cfg.Entrypoint); err != nil {
		return "", err
	}
	for k, v := range cfg.EnvVars {
		if cfg.EnvVars[k], err = env.Values.Replace(ctx, env.Backend, v); err != nil {
			return "", err
		}
	}
	svc, err := env.Backend.AddService(ctx, i.serviceName, cfg)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Service '%s' added with service UUID '%s'", i.serviceName, svc.UUID), nil
}

type removeServiceInstruction struct {
	baseInstruction
	serviceName string
}

func (i *removeServiceInstruction) ValidateAndUpdate(env *ValidatorEnvironment) error {
	if !env.HasService(i.serviceName) {
		return fmt.Errorf("%s: service '%s' does not exist", i.name, i.serviceName)
	}
	env.RemoveService(i.serviceName)
	return nil
}

func (i *removeServiceInstruction) Execute(ctx context.Context, env *ExecutionEnvironment) (string, error) {
	uuid, err := env.Backend.RemoveService(ctx, i.serviceName)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Service '%s' with service UUID '%s' removed", i.serviceName, uuid), nil
}

type execInstruction struct {
	baseInstruction
	serviceName      string
	command          []string
	expectedExitCode int
	resultKey        string
}

func (i *execInstruction) ValidateAndUpdate(env *ValidatorEnvironment) error {
	if !env.HasService(i.serviceName) {
		return fmt.Errorf("%s: service '%s' does not exist", i.name, i.serviceName)
	}
	return nil
}

func (i *execInstruction) Execute(ctx context.Context, env *ExecutionEnvironment) (string, error) {
	cmd, err := env.Values.ReplaceAll(ctx, env.Backend, i.command)
	if err != nil {
		return "", err
	}
	res, err := env.Backend.Exec(ctx, i.serviceName, cmd)
	if err != nil {
		return "", err
	}
	env.Values.Set(i.resultKey+".output", res.Output)
	env.Values.Set(i.resultKey+".code", strconv.Itoa(res.ExitCode))
	if res.ExitCode != i.expectedExitCode {
		return "", fmt.Errorf("command exited with code '%d' while '%d' was expected, output:\n%s", res.ExitCode, i.expectedExitCode, res.Output)
	}
	return fmt.Sprintf("Command returned with exit code '%d' and the following output:\n%s", res.ExitCode, res.Output), nil
}

// storeFilesInstruction backs both upload_files and render_templates; the
// file contents are fixed at interpretation time.
type storeFilesInstruction struct {
	baseInstruction
	artifactName string
	files        map[string][]byte
	// substitute replaces runtime placeholders in file contents before storing.
	substitute bool
	resultVerb string
}

func (i *storeFilesInstruction) ValidateAndUpdate(env *ValidatorEnvironment) error {
	if env.HasArtifact(i.artifactName) {
		return fmt.Errorf("%s: files artifact '%s' already exists", i.name, i.artifactName)
	}
	env.AddArtifact(i.artifactName)
	return nil
}

func (i *storeFilesInstruction) Execute(ctx context.Context, env *ExecutionEnvironment) (string, error) {
	files := i.files
	if i.substitute {
		files = make(map[string][]byte, len(i.files))
		for path, data := range i.files {
			replaced, err := env.Values.Replace(ctx, env.Backend, string(data))
			if err != nil {
				return "", err
			}
			files[path] = []byte(replaced)
		}
	}
	artifact, err := env.Backend.StoreFilesArtifact(ctx, i.artifactName, files)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Files with artifact name '%s' %s with artifact UUID '%s'", i.artifactName, i.resultVerb, artifact.UUID), nil
}

type printInstruction struct {
	baseInstruction
	message string
}

func (i *printInstruction) ValidateAndUpdate(*ValidatorEnvironment) error { return nil }

func (i *printInstruction) Execute(ctx context.Context, env *ExecutionEnvironment) (string, error) {
	return env.Values.ReplaceBestEffort(ctx, env.Backend, i.message), nil
}

func printMessage(args starlark.Tuple, sep string) string {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		if s, ok := starlark.AsString(arg); ok {
			parts = append(parts, s)
			continue
		}
		parts = append(parts, arg.String())
	}
	return strings.Join(parts, sep)
}
