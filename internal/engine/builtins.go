package engine

import (
	"bytes"
	"fmt"
	"path"
	"strings"
	"text/template"

	"github.com/google/uuid"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"enclaverun/internal/packages"
)

const (
	planKey   = "enclaverun.plan"
	moduleKey = "enclaverun.module"
)

// plan accumulates the instructions queued while a script is interpreted.
type plan struct {
	instructions []Instruction
	pkg          *packages.Package
	loader       *moduleLoader
	execCount    int
}

func planOf(thread *starlark.Thread) *plan {
	p, _ := thread.Local(planKey).(*plan)
	return p
}

func currentModule(thread *starlark.Thread) string {
	m, _ := thread.Local(moduleKey).(string)
	return m
}

// callerModule is the package file holding the code that called the running
// builtin, which differs from currentModule when a loaded function is called.
func callerModule(thread *starlark.Thread, p *plan) string {
	if p.pkg != nil && thread.CallStackDepth() > 1 {
		if rel, ok := strings.CutPrefix(thread.CallFrame(1).Pos.Filename(), p.pkg.ID+"/"); ok {
			return rel
		}
	}
	return currentModule(thread)
}

type builtinImpl func(thread *starlark.Thread, p *plan, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error)

func planBuiltin(name string, impl builtinImpl) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		p := planOf(thread)
		if p == nil {
			return nil, fmt.Errorf("%s: called outside of a run", b.Name())
		}
		return impl(thread, p, b, args, kwargs)
	})
}

// predeclared returns the globals visible to every module of a run.
func predeclared() starlark.StringDict {
	return starlark.StringDict{
		AddServiceBuiltin:      planBuiltin(AddServiceBuiltin, addServiceBuiltin),
		RemoveServiceBuiltin:   planBuiltin(RemoveServiceBuiltin, removeServiceBuiltin),
		ExecBuiltin:            planBuiltin(ExecBuiltin, execBuiltin),
		UploadFilesBuiltin:     planBuiltin(UploadFilesBuiltin, uploadFilesBuiltin),
		RenderTemplatesBuiltin: planBuiltin(RenderTemplatesBuiltin, renderTemplatesBuiltin),
		PrintBuiltin:           planBuiltin(PrintBuiltin, printBuiltin),
		"read_file":            planBuiltin("read_file", readFileBuiltin),
		"import_module":        planBuiltin("import_module", importModuleBuiltin),
		serviceConfigTypeName:  starlark.NewBuiltin(serviceConfigTypeName, newServiceConfig),
		portSpecTypeName:       starlark.NewBuiltin(portSpecTypeName, newPortSpec),
		"struct":               starlark.NewBuiltin("struct", starlarkstruct.Make),
		"json":                 jsonModule,
	}
}

func addServiceBuiltin(thread *starlark.Thread, p *plan, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		name      string
		configVal starlark.Value
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "service_name", &name, "config", &configVal); err != nil {
		return nil, err
	}
	if err := validateServiceName(name); err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	cfg, err := toServiceConfig(configVal)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	p.instructions = append(p.instructions, &addServiceInstruction{
		baseInstruction: newBaseInstruction(b.Name(), thread.CallFrame(1).Pos,
			instructionArg{name: "service_name", value: starlark.String(name), representative: true},
			instructionArg{name: "config", value: configVal},
		),
		serviceName: name,
		config:      cfg,
	})
	return newServiceValue(name, cfg.Ports), nil
}

func removeServiceBuiltin(thread *starlark.Thread, p *plan, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "service_name", &name); err != nil {
		return nil, err
	}
	p.instructions = append(p.instructions, &removeServiceInstruction{
		baseInstruction: newBaseInstruction(b.Name(), thread.CallFrame(1).Pos,
			instructionArg{name: "service_name", value: starlark.String(name), representative: true},
		),
		serviceName: name,
	})
	return starlark.None, nil
}

func execBuiltin(thread *starlark.Thread, p *plan, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		name         string
		command      *starlark.List
		expectedCode = 0
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "service_name", &name, "command", &command, "expected_exit_code?", &expectedCode); err != nil {
		return nil, err
	}
	cmd, err := stringList(command)
	if err != nil {
		return nil, fmt.Errorf("%s: command %w", b.Name(), err)
	}
	if len(cmd) == 0 {
		return nil, fmt.Errorf("%s: command cannot be empty", b.Name())
	}
	p.execCount++
	key := fmt.Sprintf("exec_%d", p.execCount)
	instrArgs := []instructionArg{
		{name: "service_name", value: starlark.String(name), representative: true},
		{name: "command", value: command},
	}
	if expectedCode != 0 {
		instrArgs = append(instrArgs, instructionArg{name: "expected_exit_code", value: starlark.MakeInt(expectedCode)})
	}
	p.instructions = append(p.instructions, &execInstruction{
		baseInstruction:  newBaseInstruction(b.Name(), thread.CallFrame(1).Pos, instrArgs...),
		serviceName:      name,
		command:          cmd,
		expectedExitCode: expectedCode,
		resultKey:        key,
	})
	return typedStruct(execResultTypeName, starlark.StringDict{
		"output": starlark.String(placeholder(key + ".output")),
		"code":   starlark.String(placeholder(key + ".code")),
	}), nil
}

func uploadFilesBuiltin(thread *starlark.Thread, p *plan, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var src, name string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "src", &src, "name?", &name); err != nil {
		return nil, err
	}
	if p.pkg == nil {
		return nil, fmt.Errorf("%s: only available when running a package", b.Name())
	}
	files, err := p.pkg.Tree(callerModule(thread, p), src)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	if name == "" {
		name = newArtifactName()
	}
	p.instructions = append(p.instructions, &storeFilesInstruction{
		baseInstruction: newBaseInstruction(b.Name(), thread.CallFrame(1).Pos,
			instructionArg{name: "src", value: starlark.String(src), representative: true},
			instructionArg{name: "name", value: starlark.String(name)},
		),
		artifactName: name,
		files:        files,
		resultVerb:   "uploaded",
	})
	return starlark.String(name), nil
}

func renderTemplatesBuiltin(thread *starlark.Thread, p *plan, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		config *starlark.Dict
		name   string
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "config", &config, "name?", &name); err != nil {
		return nil, err
	}
	if config.Len() == 0 {
		return nil, fmt.Errorf("%s: config cannot be empty", b.Name())
	}
	files := make(map[string][]byte, config.Len())
	for _, item := range config.Items() {
		target, ok := starlark.AsString(item[0])
		if !ok || strings.TrimSpace(target) == "" {
			return nil, fmt.Errorf("%s: template destinations must be non-empty strings", b.Name())
		}
		rendered, err := renderTemplate(thread, target, item[1])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		files[strings.TrimPrefix(path.Clean("/"+target), "/")] = rendered
	}
	if name == "" {
		name = newArtifactName()
	}
	p.instructions = append(p.instructions, &storeFilesInstruction{
		baseInstruction: newBaseInstruction(b.Name(), thread.CallFrame(1).Pos,
			instructionArg{name: "config", value: config},
			instructionArg{name: "name", value: starlark.String(name), representative: true},
		),
		artifactName: name,
		files:        files,
		substitute:   true,
		resultVerb:   "rendered",
	})
	return starlark.String(name), nil
}

// renderTemplate accepts struct(template=..., data=...) and renders it with
// text/template.
func renderTemplate(thread *starlark.Thread, target string, v starlark.Value) ([]byte, error) {
	attrs, ok := v.(starlark.HasAttrs)
	if !ok {
		return nil, fmt.Errorf("value for '%s' must be a struct with 'template' and 'data', got %s", target, v.Type())
	}
	tmplValue, err := attrs.Attr("template")
	if err != nil || tmplValue == nil {
		return nil, fmt.Errorf("value for '%s' is missing 'template'", target)
	}
	text, ok := starlark.AsString(tmplValue)
	if !ok {
		return nil, fmt.Errorf("template for '%s' must be a string", target)
	}
	var data any
	if dataValue, err := attrs.Attr("data"); err == nil && dataValue != nil {
		if data, err = toGo(thread, dataValue); err != nil {
			return nil, fmt.Errorf("data for '%s': %w", target, err)
		}
	}
	tmpl, err := template.New(target).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse template for '%s': %w", target, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render template for '%s': %w", target, err)
	}
	return buf.Bytes(), nil
}

func printBuiltin(thread *starlark.Thread, p *plan, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	sep := " "
	if err := starlark.UnpackArgs(b.Name(), nil, kwargs, "sep?", &sep); err != nil {
		return nil, err
	}
	instrArgs := make([]instructionArg, 0, len(args))
	for _, arg := range args {
		instrArgs = append(instrArgs, instructionArg{value: arg, representative: true})
	}
	p.instructions = append(p.instructions, &printInstruction{
		baseInstruction: newBaseInstruction(b.Name(), thread.CallFrame(1).Pos, instrArgs...),
		message:         printMessage(args, sep),
	})
	return starlark.None, nil
}

func readFileBuiltin(thread *starlark.Thread, p *plan, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var src string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "src", &src); err != nil {
		return nil, err
	}
	if p.pkg == nil {
		return nil, fmt.Errorf("%s: only available when running a package", b.Name())
	}
	data, err := p.pkg.ReadFile(callerModule(thread, p), src)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.String(data), nil
}

func importModuleBuiltin(thread *starlark.Thread, p *plan, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var locator string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "module_file", &locator); err != nil {
		return nil, err
	}
	if p.loader == nil {
		return nil, fmt.Errorf("%s: only available when running a package", b.Name())
	}
	globals, err := p.loader.load(thread, callerModule(thread, p), locator)
	if err != nil {
		return nil, err
	}
	return &starlarkstruct.Module{Name: locator, Members: globals}, nil
}

func newArtifactName() string {
	return "artifact-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
