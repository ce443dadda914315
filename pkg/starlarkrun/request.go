// Package starlarkrun defines the request and response vocabulary spoken
// between a Starlark run client and an enclave engine, together with the
// wire codecs and the client-side stream discipline.
package starlarkrun

// RunScriptArgs asks the engine to interpret, validate and execute an inline
// Starlark script.
type RunScriptArgs struct {
	SerializedScript string
	// SerializedParams is a JSON document handed to the script entry point.
	SerializedParams string
	DryRun           *bool
}

// NewRunScriptArgs builds script arguments with an explicit dry-run flag.
func NewRunScriptArgs(script, params string, dryRun bool) RunScriptArgs {
	return RunScriptArgs{
		SerializedScript: script,
		SerializedParams: params,
		DryRun:           boolPtr(dryRun),
	}
}

// IsDryRun reports whether execution must be skipped. Absent means false.
func (a RunScriptArgs) IsDryRun() bool {
	return a.DryRun != nil && *a.DryRun
}

// WithParams returns a copy carrying the given serialized params.
func (a RunScriptArgs) WithParams(params string) RunScriptArgs {
	a.DryRun = clonePtr(a.DryRun)
	a.SerializedParams = params
	return a
}

// WithDryRun returns a copy with the dry-run flag set.
func (a RunScriptArgs) WithDryRun(dryRun bool) RunScriptArgs {
	a.DryRun = boolPtr(dryRun)
	return a
}

// PackageContent carries the package body: either an uploaded archive or a
// marker telling the engine to fetch the package by its identifier.
type PackageContent interface {
	isPackageContent()
}

// LocalPackage is a compressed package archive uploaded by the client.
type LocalPackage struct {
	Archive []byte
}

// RemotePackage instructs the engine to resolve the package id remotely.
type RemotePackage struct{}

func (LocalPackage) isPackageContent()  {}
func (RemotePackage) isPackageContent() {}

// RunPackageArgs asks the engine to run the main file of a package.
type RunPackageArgs struct {
	PackageID        string
	Content          PackageContent
	SerializedParams string
	DryRun           *bool
}

// NewRunLocalPackageArgs builds package arguments for an uploaded archive.
func NewRunLocalPackageArgs(packageID string, archive []byte, params string, dryRun bool) RunPackageArgs {
	return RunPackageArgs{
		PackageID:        packageID,
		Content:          LocalPackage{Archive: cloneBytes(archive)},
		SerializedParams: params,
		DryRun:           boolPtr(dryRun),
	}
}

// NewRunRemotePackageArgs builds package arguments for a remotely hosted package.
func NewRunRemotePackageArgs(packageID, params string, dryRun bool) RunPackageArgs {
	return RunPackageArgs{
		PackageID:        packageID,
		Content:          RemotePackage{},
		SerializedParams: params,
		DryRun:           boolPtr(dryRun),
	}
}

// IsDryRun reports whether execution must be skipped. Absent means false.
func (a RunPackageArgs) IsDryRun() bool {
	return a.DryRun != nil && *a.DryRun
}

// Local returns the uploaded archive when the content is local.
func (a RunPackageArgs) Local() ([]byte, bool) {
	local, ok := a.Content.(LocalPackage)
	if !ok {
		return nil, false
	}
	return local.Archive, true
}

// IsRemote reports whether the package must be fetched by the engine.
func (a RunPackageArgs) IsRemote() bool {
	_, ok := a.Content.(RemotePackage)
	return ok
}

// WithLocal returns a copy whose content is the given archive. Any remote
// marker is replaced.
func (a RunPackageArgs) WithLocal(archive []byte) RunPackageArgs {
	a.DryRun = clonePtr(a.DryRun)
	a.Content = LocalPackage{Archive: cloneBytes(archive)}
	return a
}

// WithRemote returns a copy marked for remote resolution. Any local archive
// is dropped.
func (a RunPackageArgs) WithRemote() RunPackageArgs {
	a.DryRun = clonePtr(a.DryRun)
	a.Content = RemotePackage{}
	return a
}

// WithParams returns a copy carrying the given serialized params.
func (a RunPackageArgs) WithParams(params string) RunPackageArgs {
	a.DryRun = clonePtr(a.DryRun)
	a.Content = cloneContent(a.Content)
	a.SerializedParams = params
	return a
}

// WithDryRun returns a copy with the dry-run flag set.
func (a RunPackageArgs) WithDryRun(dryRun bool) RunPackageArgs {
	a.Content = cloneContent(a.Content)
	a.DryRun = boolPtr(dryRun)
	return a
}

func cloneContent(content PackageContent) PackageContent {
	if local, ok := content.(LocalPackage); ok {
		return LocalPackage{Archive: cloneBytes(local.Archive)}
	}
	return content
}

func boolPtr(v bool) *bool {
	return &v
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
