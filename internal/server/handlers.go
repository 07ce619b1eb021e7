package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/wwwzy/SiapPanen/internal/agent"
	"github.com/wwwzy/SiapPanen/internal/tools"
)

const (
	codeInvalidRequest   = "INVALID_REQUEST"
	codeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	codeInternal         = "INTERNAL"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// chatRequest 中 messages 先保留原始 JSON，以区分缺失与类型错误。
type chatRequest struct {
	Messages       json.RawMessage `json:"messages"`
	ConversationID string          `json:"conversationId"`
}

func (s *Server) chatHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
		return
	}

	req, err := decodeChatRequest(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}

	ctx := r.Context()
	if id := r.Header.Get("X-Request-ID"); id != "" {
		ctx = agent.WithTraceID(ctx, id)
	}
	resp, err := s.chat.Handle(ctx, req)
	if err != nil {
		if errors.Is(err, agent.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
			return
		}
		s.logger.Error().Err(err).Msg("chat handler failed")
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func decodeChatRequest(body io.Reader) (agent.Request, error) {
	var raw chatRequest
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		return agent.Request{}, errors.New("body must be a JSON object")
	}

	msgs := bytes.TrimSpace(raw.Messages)
	if len(msgs) == 0 || bytes.Equal(msgs, []byte("null")) {
		return agent.Request{}, errors.New("messages is required")
	}
	if msgs[0] != '[' {
		return agent.Request{}, errors.New("messages must be a list")
	}

	req := agent.Request{ConversationID: raw.ConversationID, Messages: []agent.Message{}}
	if err := json.Unmarshal(msgs, &req.Messages); err != nil {
		return agent.Request{}, errors.New("messages must be a list of {role, content}")
	}
	return req, nil
}

type toolsResponse struct {
	Tools []tools.Descriptor `json:"tools"`
}

func (s *Server) toolsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
		return
	}
	out := toolsResponse{Tools: []tools.Descriptor{}}
	if s.catalog != nil {
		out.Tools = s.catalog.Descriptors()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}
