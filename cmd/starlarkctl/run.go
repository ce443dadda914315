package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"enclaverun/internal/enclave"
	"enclaverun/internal/engine"
	"enclaverun/internal/packages"
	"enclaverun/pkg/starlarkrun"
	sdk "enclaverun/sdk/go/enclaverun"
)

// errRunFailed 表示运行本身以失败结束，失败原因已经打印过。
var errRunFailed = errors.New("run failed")

type runOptions struct {
	*rootOptions
	enclave  string
	params   string
	dryRun   bool
	remote   bool
	protobuf bool
	idle     time.Duration
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "run <script.star | package-dir | package-id>",
		Short: "Run a script or a package and stream its response lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.enclave, "enclave", "default", "enclave to run in")
	flags.StringVar(&opts.params, "params", "", "JSON params passed to run()")
	flags.BoolVar(&opts.dryRun, "dry-run", false, "interpret and validate without executing")
	flags.BoolVar(&opts.remote, "remote", false, "treat the argument as a remote package id such as github.com/owner/repo")
	flags.BoolVar(&opts.protobuf, "protobuf", false, "request the length-delimited protobuf stream from the server")
	flags.DurationVar(&opts.idle, "idle-timeout", 0, "abort when no line arrives within this window")
	return cmd
}

// request 描述一次脚本或包运行。
type request struct {
	script *starlarkrun.RunScriptArgs
	pkg    *starlarkrun.RunPackageArgs
}

func (o *runOptions) buildRequest(target string) (request, error) {
	if o.remote {
		args := starlarkrun.NewRunRemotePackageArgs(target, o.params, o.dryRun)
		return request{pkg: &args}, nil
	}
	info, err := os.Stat(target)
	if err != nil {
		return request{}, err
	}
	if !info.IsDir() {
		content, err := os.ReadFile(target)
		if err != nil {
			return request{}, err
		}
		args := starlarkrun.NewRunScriptArgs(string(content), o.params, o.dryRun)
		return request{script: &args}, nil
	}
	id, archive, err := packDirectory(target)
	if err != nil {
		return request{}, err
	}
	args := starlarkrun.NewRunLocalPackageArgs(id, archive, o.params, o.dryRun)
	return request{pkg: &args}, nil
}

// packDirectory 将本地包目录打包为 gzip tar，并从清单中读取包名。
func packDirectory(dir string) (string, []byte, error) {
	files := make(map[string][]byte)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = content
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	raw, ok := files[packages.ManifestFile]
	if !ok {
		return "", nil, fmt.Errorf("%s 中缺少 %s", dir, packages.ManifestFile)
	}
	manifest, err := packages.ParseManifest(raw)
	if err != nil {
		return "", nil, err
	}
	archive, err := packages.Pack(files)
	if err != nil {
		return "", nil, err
	}
	return manifest.Name, archive, nil
}

func (o *runOptions) run(ctx context.Context, out io.Writer, target string) error {
	req, err := o.buildRequest(target)
	if err != nil {
		return err
	}
	src, closeSrc, err := o.open(ctx, req)
	if err != nil {
		return err
	}
	defer closeSrc()

	printer := newLinePrinter(out)
	outcome, err := starlarkrun.Consume(ctx, src,
		starlarkrun.WithIdleTimeout(o.idle),
		starlarkrun.WithLineHandler(printer.print),
		starlarkrun.WithoutLineHistory())
	if err != nil {
		return err
	}
	if !outcome.Succeeded() {
		return errRunFailed
	}
	return nil
}

// open 在配置了 --server 时走 HTTP 流，否则在进程内的内存 enclave 中运行。
func (o *runOptions) open(ctx context.Context, req request) (starlarkrun.LineSource, func(), error) {
	if o.server != "" {
		client := o.client()
		if o.protobuf {
			client.SetEncoding(starlarkrun.EncodingProtobuf)
		}
		var (
			stream *sdk.Stream
			err    error
		)
		if req.script != nil {
			stream, err = client.RunScript(ctx, o.enclave, *req.script)
		} else {
			stream, err = client.RunPackage(ctx, o.enclave, *req.pkg)
		}
		if err != nil {
			return nil, nil, err
		}
		return stream, func() { _ = stream.Close() }, nil
	}

	registry := enclave.NewRegistry(nil)
	if _, err := registry.Ensure(ctx, o.enclave); err != nil {
		return nil, nil, err
	}
	runner := engine.NewRunner(registry)
	runCtx, cancel := context.WithCancel(ctx)
	var lines <-chan starlarkrun.ResponseLine
	if req.script != nil {
		lines = runner.RunScript(runCtx, o.enclave, *req.script)
	} else {
		lines = runner.RunPackage(runCtx, o.enclave, *req.pkg)
	}
	return starlarkrun.FromChannel(runCtx, lines), func() {
		cancel()
		_ = registry.Close()
	}, nil
}

func (o *rootOptions) client() *sdk.Client {
	client := sdk.NewClient(o.server, nil)
	if o.token != "" {
		client.SetAccessToken(o.token)
	}
	return client
}
