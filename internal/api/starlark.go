package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"enclaverun/internal/auth"
	"enclaverun/internal/engine"
	xerrors "enclaverun/internal/errors"
	"enclaverun/pkg/logger"
	"enclaverun/pkg/starlarkrun"
)

// RunIDHeader 返回同步运行的标识，日志中的 run_id 与之对应。
const RunIDHeader = "X-Enclaverun-Run-Id"

// maxRequestBody 限制请求体大小，本地包归档会随请求上传。
const maxRequestBody = 64 << 20

func (s *Server) handleRunScript(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var args starlarkrun.RunScriptArgs
	var err error
	if requestEncoding(r) == starlarkrun.EncodingProtobuf {
		args, err = starlarkrun.UnmarshalRunScriptArgs(body)
	} else {
		err = json.Unmarshal(body, &args)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "请求体解析失败: "+err.Error())
		return
	}
	s.stream(w, r, func(ctx context.Context) <-chan starlarkrun.ResponseLine {
		return s.engine.RunScript(ctx, r.PathValue("enclave"), args)
	})
}

func (s *Server) handleRunPackage(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var args starlarkrun.RunPackageArgs
	var err error
	if requestEncoding(r) == starlarkrun.EncodingProtobuf {
		args, err = starlarkrun.UnmarshalRunPackageArgs(body)
	} else {
		err = json.Unmarshal(body, &args)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "请求体解析失败: "+err.Error())
		return
	}
	s.stream(w, r, func(ctx context.Context) <-chan starlarkrun.ResponseLine {
		return s.engine.RunPackage(ctx, r.PathValue("enclave"), args)
	})
}

// stream 将引擎产生的响应行逐行写回客户端。客户端断开时请求上下文取消，
// 引擎随之停止。
func (s *Server) stream(w http.ResponseWriter, r *http.Request, start func(ctx context.Context) <-chan starlarkrun.ResponseLine) {
	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "引擎未初始化")
		return
	}
	runID := uuid.NewString()
	ctx := engine.ContextWithRunID(r.Context(), runID)
	logger.Audit().Info("同步运行开始",
		slog.String("run_id", runID),
		slog.String("enclave", r.PathValue("enclave")),
		slog.String("subject", auth.SubjectName(r.Context())))
	lines := start(ctx)

	enc := responseEncoding(r)
	w.Header().Set("Content-Type", enc.ContentType())
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set(RunIDHeader, runID)
	w.WriteHeader(http.StatusOK)

	n, err := starlarkrun.Pipe(starlarkrun.NewWriter(w, enc), starlarkrun.FromChannel(ctx, lines))
	if err != nil {
		// 写失败时排空通道，避免引擎阻塞在发送上。
		for range lines {
		}
		s.logger.Warn("响应流中断",
			slog.String("run_id", runID),
			slog.String("enclave", r.PathValue("enclave")),
			slog.Int("lines", n),
			slog.Any("error", err))
	}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, xerrors.CodeInvalidArgument, "请求体过大")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "读取请求体失败")
		return nil, false
	}
	return body, true
}

func requestEncoding(r *http.Request) starlarkrun.Encoding {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return starlarkrun.EncodingNDJSON
	}
	return starlarkrun.EncodingForContentType(mediaType)
}

// responseEncoding 根据 Accept 头选择帧格式，默认 NDJSON。
func responseEncoding(r *http.Request) starlarkrun.Encoding {
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err == nil && mediaType == starlarkrun.ContentTypeProtobuf {
			return starlarkrun.EncodingProtobuf
		}
	}
	return starlarkrun.EncodingNDJSON
}
