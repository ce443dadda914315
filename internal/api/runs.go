package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"enclaverun/internal/auth"
	xerrors "enclaverun/internal/errors"
	"enclaverun/internal/run"
	"enclaverun/pkg/logger"
	"enclaverun/pkg/starlarkrun"
)

func (s *Server) runService(w http.ResponseWriter) (*run.Service, bool) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "异步运行未启用")
		return nil, false
	}
	return s.runs, true
}

// handleSubmitRun 创建异步运行并立即返回 202。
func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.runService(w)
	if !ok {
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req run.SubmitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "请求体解析失败: "+err.Error())
		return
	}
	created, err := svc.Submit(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	logger.Audit().Info("异步运行已提交",
		slog.String("run_id", created.ID),
		slog.String("enclave", created.Enclave),
		slog.String("subject", auth.SubjectName(r.Context())))
	w.Header().Set("Location", "/api/v1/runs/"+created.ID)
	writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.runService(w)
	if !ok {
		return
	}
	found, err := svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

// handleRunLines 以与同步接口相同的帧格式回放已持久化的响应行。
func (s *Server) handleRunLines(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.runService(w)
	if !ok {
		return
	}
	lines, err := svc.Lines(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	enc := responseEncoding(r)
	w.Header().Set("Content-Type", enc.ContentType())
	w.WriteHeader(http.StatusOK)
	writer := starlarkrun.NewWriter(w, enc)
	for _, line := range lines {
		if err := writer.Send(line); err != nil {
			return
		}
	}
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.runService(w)
	if !ok {
		return
	}
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, err.Error())
		return
	}
	runs, err := svc.List(r.Context(), opts...)
	if err != nil {
		writeErr(w, err)
		return
	}
	if runs == nil {
		runs = []*run.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleRunStats(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.runService(w)
	if !ok {
		return
	}
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, err.Error())
		return
	}
	stats, err := svc.Stats(r.Context(), opts...)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// listOptionsFromQuery 解析 limit、offset、status、enclave、kind、q、
// since、until、has_output 与 order 查询参数。
func listOptionsFromQuery(r *http.Request) ([]run.ListOption, error) {
	q := r.URL.Query()
	var opts []run.ListOption
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return nil, errInvalidQuery("limit", raw)
		}
		opts = append(opts, run.WithLimit(limit))
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return nil, errInvalidQuery("offset", raw)
		}
		opts = append(opts, run.WithOffset(offset))
	}
	var statuses []run.Status
	for _, value := range q["status"] {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				status := run.Status(strings.ToLower(part))
				if !run.IsValidStatus(status) {
					return nil, errInvalidQuery("status", part)
				}
				statuses = append(statuses, status)
			}
		}
	}
	if len(statuses) > 0 {
		opts = append(opts, run.WithStatuses(statuses...))
	}
	if enclave := q.Get("enclave"); enclave != "" {
		opts = append(opts, run.WithEnclave(enclave))
	}
	if kind := q.Get("kind"); kind != "" {
		if kind != string(run.KindScript) && kind != string(run.KindPackage) {
			return nil, errInvalidQuery("kind", kind)
		}
		opts = append(opts, run.WithKind(run.Kind(kind)))
	}
	if query := q.Get("q"); query != "" {
		opts = append(opts, run.WithQuery(query))
	}
	for _, key := range []string{"since", "until"} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		ts, err := parseTime(raw)
		if err != nil {
			return nil, errInvalidQuery(key, raw)
		}
		if key == "since" {
			opts = append(opts, run.WithUpdatedSince(ts))
		} else {
			opts = append(opts, run.WithUpdatedUntil(ts))
		}
	}
	if raw := q.Get("has_output"); raw != "" {
		has, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, errInvalidQuery("has_output", raw)
		}
		opts = append(opts, run.WithOutputPresence(has))
	}
	switch strings.ToLower(q.Get("order")) {
	case "", "desc":
	case "asc":
		opts = append(opts, run.WithSortOrder(run.SortByUpdatedAsc))
	default:
		return nil, errInvalidQuery("order", q.Get("order"))
	}
	return opts, nil
}

// parseTime 接受 RFC3339 或 Unix 秒。
func parseTime(raw string) (time.Time, error) {
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0), nil
	}
	return time.Parse(time.RFC3339, raw)
}

func errInvalidQuery(key, value string) error {
	return xerrors.New(xerrors.CodeInvalidArgument, "invalid "+key+" '"+value+"'")
}
