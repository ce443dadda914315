package engine

import (
	"context"
	"fmt"

	"go.starlark.net/starlark"

	"enclaverun/internal/packages"
)

type loadEntry struct {
	globals starlark.StringDict
	err     error
	loading bool
}

// moduleLoader resolves load statements and import_module calls against the
// files of the running package. Each module is evaluated once per run.
type moduleLoader struct {
	ctx      context.Context
	pkg      *packages.Package
	maxSteps uint64
	cache    map[string]*loadEntry
}

func newModuleLoader(ctx context.Context, pkg *packages.Package, maxSteps uint64) *moduleLoader {
	return &moduleLoader{
		ctx:      ctx,
		pkg:      pkg,
		maxSteps: maxSteps,
		cache:    make(map[string]*loadEntry),
	}
}

func (l *moduleLoader) loadStatement(thread *starlark.Thread, module string) (starlark.StringDict, error) {
	return l.load(thread, currentModule(thread), module)
}

func (l *moduleLoader) load(thread *starlark.Thread, from, locator string) (starlark.StringDict, error) {
	target, err := l.pkg.Locate(from, locator)
	if err != nil {
		return nil, err
	}
	if entry, ok := l.cache[target]; ok {
		if entry.loading {
			return nil, fmt.Errorf("cycle in module imports involving '%s'", target)
		}
		return entry.globals, entry.err
	}

	entry := &loadEntry{loading: true}
	l.cache[target] = entry

	child := newThread("load "+target, planOf(thread), target, l.maxSteps)
	stop := context.AfterFunc(l.ctx, func() { child.Cancel("run cancelled") })
	globals, err := starlark.ExecFile(child, l.pkg.ID+"/"+target, l.pkg.Files[target], predeclared())
	stop()

	entry.globals, entry.err, entry.loading = globals, err, false
	return globals, err
}
