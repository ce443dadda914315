package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"enclaverun/internal/enclave"
)

const (
	serviceConfigTypeName = "ServiceConfig"
	portSpecTypeName      = "PortSpec"
	serviceTypeName       = "Service"
	execResultTypeName    = "ExecResult"
	templateTypeName      = "Template"
)

func typedStruct(name string, fields starlark.StringDict) *starlarkstruct.Struct {
	return starlarkstruct.FromStringDict(starlark.String(name), fields)
}

func isTyped(v starlark.Value, name string) (*starlarkstruct.Struct, bool) {
	s, ok := v.(*starlarkstruct.Struct)
	if !ok {
		return nil, false
	}
	ctor, ok := s.Constructor().(starlark.String)
	return s, ok && string(ctor) == name
}

// newServiceConfig implements ServiceConfig(image, ports?, env_vars?, cmd?, entrypoint?, files?).
func newServiceConfig(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		image      string
		ports      = starlark.NewDict(0)
		envVars    = starlark.NewDict(0)
		cmd        = starlark.NewList(nil)
		entrypoint = starlark.NewList(nil)
		files      = starlark.NewDict(0)
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"image", &image,
		"ports?", &ports,
		"env_vars?", &envVars,
		"cmd?", &cmd,
		"entrypoint?", &entrypoint,
		"files?", &files,
	); err != nil {
		return nil, err
	}
	if strings.TrimSpace(image) == "" {
		return nil, fmt.Errorf("%s: image cannot be empty", b.Name())
	}
	for _, item := range ports.Items() {
		if _, ok := item[0].(starlark.String); !ok {
			return nil, fmt.Errorf("%s: port names must be strings, got %s", b.Name(), item[0].Type())
		}
		if _, ok := isTyped(item[1], portSpecTypeName); !ok {
			return nil, fmt.Errorf("%s: port '%s' must be a %s, got %s", b.Name(), item[0], portSpecTypeName, item[1].Type())
		}
	}
	if _, err := stringDict(envVars); err != nil {
		return nil, fmt.Errorf("%s: env_vars %w", b.Name(), err)
	}
	if _, err := stringList(cmd); err != nil {
		return nil, fmt.Errorf("%s: cmd %w", b.Name(), err)
	}
	if _, err := stringList(entrypoint); err != nil {
		return nil, fmt.Errorf("%s: entrypoint %w", b.Name(), err)
	}
	if _, err := stringDict(files); err != nil {
		return nil, fmt.Errorf("%s: files %w", b.Name(), err)
	}
	return typedStruct(serviceConfigTypeName, starlark.StringDict{
		"image":      starlark.String(image),
		"ports":      ports,
		"env_vars":   envVars,
		"cmd":        cmd,
		"entrypoint": entrypoint,
		"files":      files,
	}), nil
}

// newPortSpec implements PortSpec(number, transport_protocol?).
func newPortSpec(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		number   int
		protocol = "TCP"
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "number", &number, "transport_protocol?", &protocol); err != nil {
		return nil, err
	}
	if number <= 0 || number > 65535 {
		return nil, fmt.Errorf("%s: port number %d is out of range", b.Name(), number)
	}
	protocol = strings.ToUpper(protocol)
	switch protocol {
	case "TCP", "UDP", "SCTP":
	default:
		return nil, fmt.Errorf("%s: unsupported transport protocol '%s'", b.Name(), protocol)
	}
	return typedStruct(portSpecTypeName, starlark.StringDict{
		"number":             starlark.MakeInt(number),
		"transport_protocol": starlark.String(protocol),
	}), nil
}

// toServiceConfig converts a ServiceConfig value into the backend type.
func toServiceConfig(v starlark.Value) (enclave.ServiceConfig, error) {
	s, ok := isTyped(v, serviceConfigTypeName)
	if !ok {
		return enclave.ServiceConfig{}, fmt.Errorf("config must be a %s, got %s", serviceConfigTypeName, v.Type())
	}
	var cfg enclave.ServiceConfig
	image, err := s.Attr("image")
	if err != nil {
		return cfg, err
	}
	cfg.Image, _ = starlark.AsString(image)

	if ports, err := dictAttr(s, "ports"); err != nil {
		return cfg, err
	} else if ports.Len() > 0 {
		cfg.Ports = make(map[string]enclave.PortSpec, ports.Len())
		for _, item := range ports.Items() {
			name, _ := starlark.AsString(item[0])
			spec, ok := isTyped(item[1], portSpecTypeName)
			if !ok {
				return cfg, fmt.Errorf("port '%s' must be a %s", name, portSpecTypeName)
			}
			numberValue, _ := spec.Attr("number")
			number, err := starlark.AsInt32(numberValue)
			if err != nil {
				return cfg, err
			}
			protoValue, _ := spec.Attr("transport_protocol")
			proto, _ := starlark.AsString(protoValue)
			cfg.Ports[name] = enclave.PortSpec{Number: uint16(number), Protocol: proto}
		}
	}

	if envVars, err := dictAttr(s, "env_vars"); err != nil {
		return cfg, err
	} else if envVars.Len() > 0 {
		if cfg.EnvVars, err = stringDict(envVars); err != nil {
			return cfg, fmt.Errorf("env_vars %w", err)
		}
	}
	if cfg.Cmd, err = listAttr(s, "cmd"); err != nil {
		return cfg, err
	}
	if cfg.Entrypoint, err = listAttr(s, "entrypoint"); err != nil {
		return cfg, err
	}
	if files, err := dictAttr(s, "files"); err != nil {
		return cfg, err
	} else if files.Len() > 0 {
		if cfg.Files, err = stringDict(files); err != nil {
			return cfg, fmt.Errorf("files %w", err)
		}
	}
	return cfg, nil
}

func newServiceValue(name string, ports map[string]enclave.PortSpec) *starlarkstruct.Struct {
	names := make([]string, 0, len(ports))
	for portName := range ports {
		names = append(names, portName)
	}
	sort.Strings(names)
	portDict := starlark.NewDict(len(ports))
	for _, portName := range names {
		spec := ports[portName]
		proto := strings.ToUpper(spec.Protocol)
		if proto == "" {
			proto = "TCP"
		}
		_ = portDict.SetKey(starlark.String(portName), typedStruct(portSpecTypeName, starlark.StringDict{
			"number":             starlark.MakeInt(int(spec.Number)),
			"transport_protocol": starlark.String(proto),
		}))
	}
	return typedStruct(serviceTypeName, starlark.StringDict{
		"name":       starlark.String(name),
		"hostname":   starlark.String(name),
		"ip_address": starlark.String(ipPlaceholder(name)),
		"ports":      portDict,
	})
}

func dictAttr(s *starlarkstruct.Struct, name string) (*starlark.Dict, error) {
	v, err := s.Attr(name)
	if err != nil {
		return nil, err
	}
	d, ok := v.(*starlark.Dict)
	if !ok {
		return nil, fmt.Errorf("%s must be a dict, got %s", name, v.Type())
	}
	return d, nil
}

func listAttr(s *starlarkstruct.Struct, name string) ([]string, error) {
	v, err := s.Attr(name)
	if err != nil {
		return nil, err
	}
	l, ok := v.(*starlark.List)
	if !ok {
		return nil, fmt.Errorf("%s must be a list, got %s", name, v.Type())
	}
	out, err := stringList(l)
	if err != nil {
		return nil, fmt.Errorf("%s %w", name, err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func stringDict(d *starlark.Dict) (map[string]string, error) {
	out := make(map[string]string, d.Len())
	for _, item := range d.Items() {
		k, ok := starlark.AsString(item[0])
		if !ok {
			return nil, fmt.Errorf("keys must be strings, got %s", item[0].Type())
		}
		v, ok := starlark.AsString(item[1])
		if !ok {
			return nil, fmt.Errorf("value of '%s' must be a string, got %s", k, item[1].Type())
		}
		out[k] = v
	}
	return out, nil
}

func stringList(l *starlark.List) ([]string, error) {
	out := make([]string, 0, l.Len())
	for i := 0; i < l.Len(); i++ {
		s, ok := starlark.AsString(l.Index(i))
		if !ok {
			return nil, fmt.Errorf("element %d must be a string, got %s", i, l.Index(i).Type())
		}
		out = append(out, s)
	}
	return out, nil
}

// toGo converts a Starlark value into plain Go data through its JSON form.
func toGo(thread *starlark.Thread, v starlark.Value) (any, error) {
	encoded, err := encodeJSON(thread, v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal([]byte(encoded), &out); err != nil {
		return nil, err
	}
	return out, nil
}
