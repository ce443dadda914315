package api

import (
	"encoding/json"
	"net/http"
	"time"

	xerrors "enclaverun/internal/errors"
)

type enclaveView struct {
	Name      string    `json:"name"`
	UUID      string    `json:"uuid"`
	CreatedAt time.Time `json:"created_at"`
}

type createEnclaveRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleListEnclaves(w http.ResponseWriter, _ *http.Request) {
	if s.registry == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "enclave 注册表未初始化")
		return
	}
	enclaves := s.registry.List()
	out := make([]enclaveView, 0, len(enclaves))
	for _, enc := range enclaves {
		out = append(out, enclaveView{Name: enc.Name, UUID: enc.UUID, CreatedAt: enc.CreatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateEnclave(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "enclave 注册表未初始化")
		return
	}
	var req createEnclaveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "请求体解析失败")
		return
	}
	enc, err := s.registry.Create(r.Context(), req.Name)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, enclaveView{Name: enc.Name, UUID: enc.UUID, CreatedAt: enc.CreatedAt})
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "enclave 注册表未初始化")
		return
	}
	enc, err := s.registry.Get(r.PathValue("enclave"))
	if err != nil {
		writeErr(w, err)
		return
	}
	services, err := enc.Backend.ListServices(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, services)
}
