package service

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"
)

const (
	researchInstruction = "You are a research assistant. Investigate the user's " +
		"question and respond with a concise, sourced summary of what is known."
	summarizeInstruction = "Summarize the provided text in a short paragraph, " +
		"preserving the key facts and conclusions."
	analyzeInstruction = "Analyze the provided text: identify the main claims, " +
		"their supporting evidence, and any notable gaps or inconsistencies."
)

// completer is the slice of CompletionClient the handlers depend on; tests
// swap in a stub.
type completer interface {
	Complete(ctx context.Context, instruction, input string) (string, error)
}

// Handler serves the three metered endpoints. All of them sit behind the
// payment gate; by the time a request arrives here it carries a verified
// payment context.
type Handler struct {
	llm    completer
	logger logrus.FieldLogger
}

// NewHandler creates the metered endpoint handler.
func NewHandler(llm completer, logger logrus.FieldLogger) *Handler {
	return &Handler{llm: llm, logger: logger}
}

type queryRequest struct {
	Query string `json:"query"`
}

type textRequest struct {
	Text string `json:"text"`
}

type resultResponse struct {
	Result string `json:"result"`
}

// Research handles POST /v1/research.
func (h *Handler) Research(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !decodeInto(w, r, &req) || !requireField(w, req.Query, "query") {
		return
	}
	h.complete(w, r, researchInstruction, req.Query)
}

// Summarize handles POST /v1/summarize.
func (h *Handler) Summarize(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if !decodeInto(w, r, &req) || !requireField(w, req.Text, "text") {
		return
	}
	h.complete(w, r, summarizeInstruction, req.Text)
}

// Analyze handles POST /v1/analyze.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if !decodeInto(w, r, &req) || !requireField(w, req.Text, "text") {
		return
	}
	h.complete(w, r, analyzeInstruction, req.Text)
}

// complete is the shared core of the three endpoint variants. A backend
// failure answers 502: the operation did not produce a deliverable result and
// must not be charged.
func (h *Handler) complete(w http.ResponseWriter, r *http.Request, instruction, input string) {
	result, err := h.llm.Complete(r.Context(), instruction, input)
	if err != nil {
		h.logger.WithError(err).WithField("path", r.URL.Path).Error("completion failed")
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "completion backend unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, resultResponse{Result: result})
}

// decodeInto parses the JSON body, answering the handler's own 400 on
// malformed business input.
func decodeInto(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return false
	}
	return true
}

func requireField(w http.ResponseWriter, value, name string) bool {
	if value == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": name + " is required"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
