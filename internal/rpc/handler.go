package rpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/execgw/gateway/internal/hooks"
	"github.com/execgw/gateway/internal/outbound"
	"github.com/execgw/gateway/internal/session"
)

// Supervisor is the interface the RPC Handler drives an execute/cancel
// request through; implemented by internal/supervisor.Controller.
type Supervisor interface {
	Execute(sess *session.Session, params ExecuteParams) (*session.Execution, error)
	Cancel(sess *session.Session, executionID, reason string) error
}

// Handler wires the JSON-RPC 2.0 duplex endpoint onto a session.Manager
// and a Supervisor. Requests arrive as HTTP POSTs; notifications
// (output/progress/completed) are delivered over a per-session SSE stream.
type Handler struct {
	sessions   *session.Manager
	supervisor Supervisor
	mux        *http.ServeMux
	server     *http.Server
}

// Config holds the HTTP-facing knobs for Handler's underlying server.
type Config struct {
	Addr        string
	ReadTimeout time.Duration
	IdleTimeout time.Duration
}

// New builds a Handler and registers its routes.
func New(sessions *session.Manager, supervisor Supervisor, cfg Config) *Handler {
	h := &Handler{
		sessions:   sessions,
		supervisor: supervisor,
		mux:        http.NewServeMux(),
	}
	h.registerRoutes()

	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 15 * time.Second
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout == 0 {
		idleTimeout = 60 * time.Second
	}

	h.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      h.mux,
		ReadTimeout:  readTimeout,
		WriteTimeout: 0, // the event stream is long-lived and unbounded
		IdleTimeout:  idleTimeout,
	}
	return h
}

func (h *Handler) registerRoutes() {
	h.mux.HandleFunc("POST /rpc/{session_id}", h.handleRPC)
	h.mux.HandleFunc("GET /rpc/{session_id}/events", h.handleEvents)
}

// Mux exposes the handler's route table so side-channel routes (health,
// version) can share the same listener.
func (h *Handler) Mux() *http.ServeMux {
	return h.mux
}

// Start begins serving HTTP requests. It blocks until the server is shut
// down.
func (h *Handler) Start() error {
	log.Printf("rpc: listening on %s", h.server.Addr)
	if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (h *Handler) Shutdown(ctx context.Context) error {
	return h.server.Shutdown(ctx)
}

// MaxFrameBytes bounds a single inbound JSON-RPC message.
const MaxFrameBytes = 1 << 20

// handleRPC accepts a single JSON-RPC 2.0 request per POST, dispatches it
// to the named method, and replies with a single JSON-RPC 2.0 response.
func (h *Handler) handleRPC(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")

	var req Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxFrameBytes)).Decode(&req); err != nil {
		writeResponse(w, Response{JSONRPC: Version, Error: &Error{Code: CodeInvalidRequest, Message: "malformed JSON-RPC envelope"}})
		return
	}
	if req.JSONRPC != Version {
		writeResponse(w, Response{JSONRPC: Version, ID: req.ID, Error: &Error{Code: CodeInvalidRequest, Message: "jsonrpc must be \"2.0\""}})
		return
	}

	sess := h.sessions.Get(sessionID)
	if sess == nil {
		var err error
		sess, err = h.sessions.Create(sessionID)
		if err != nil {
			writeResponse(w, Response{JSONRPC: Version, ID: req.ID, Error: &Error{Code: CodeCapacityExceeded, Message: err.Error()}})
			return
		}
	}
	sess.Touch()

	switch req.Method {
	case "execute":
		h.handleExecute(w, req, sess)
	case "cancel":
		h.handleCancel(w, req, sess)
	case "ping":
		writeResponse(w, Response{JSONRPC: Version, ID: req.ID, Result: PingResult{Pong: time.Now().UnixMilli()}})
	default:
		writeResponse(w, Response{JSONRPC: Version, ID: req.ID, Error: &Error{Code: CodeMethodNotFound, Message: fmt.Sprintf("unknown method %q", req.Method)}})
	}
}

func (h *Handler) handleExecute(w http.ResponseWriter, req Request, sess *session.Session) {
	var params ExecuteParams
	if req.Params != nil {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			writeResponse(w, Response{JSONRPC: Version, ID: req.ID, Error: &Error{Code: CodeInvalidParams, Message: err.Error()}})
			return
		}
	}
	if params.Command == "" {
		writeResponse(w, Response{JSONRPC: Version, ID: req.ID, Error: &Error{Code: CodeInvalidParams, Message: "command is required"}})
		return
	}

	exec, err := h.supervisor.Execute(sess, params)
	if err != nil {
		writeResponse(w, Response{JSONRPC: Version, ID: req.ID, Error: executeError(err)})
		return
	}

	writeResponse(w, Response{JSONRPC: Version, ID: req.ID, Result: ExecuteResult{ExecutionID: exec.ExecutionID}})
}

func (h *Handler) handleCancel(w http.ResponseWriter, req Request, sess *session.Session) {
	var params CancelParams
	if req.Params != nil {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			writeResponse(w, Response{JSONRPC: Version, ID: req.ID, Error: &Error{Code: CodeInvalidParams, Message: err.Error()}})
			return
		}
	}

	reason := params.Reason
	if reason == "" {
		reason = "client-cancel"
	}
	if err := h.supervisor.Cancel(sess, params.ExecutionID, reason); err != nil {
		writeResponse(w, Response{JSONRPC: Version, ID: req.ID, Error: cancelError(err)})
		return
	}

	writeResponse(w, Response{JSONRPC: Version, ID: req.ID, Result: CancelResult{Cancelled: true}})
}

// cancelError distinguishes a cancel aimed at an execution that already
// finished from one aimed at an execution that never existed.
func cancelError(err error) *Error {
	if errors.Is(err, session.ErrAlreadyTerminated) {
		return &Error{Code: CodeAlreadyTerminated, Message: err.Error()}
	}
	return &Error{Code: CodeNotFound, Message: err.Error()}
}

// executeError maps domain sentinel errors onto their JSON-RPC application
// error codes.
func executeError(err error) *Error {
	var refused *hooks.RefusedError
	switch {
	case errors.Is(err, session.ErrBusy):
		return &Error{Code: CodeBusy, Message: err.Error()}
	case errors.As(err, &refused):
		return &Error{Code: CodeHookRefused, Message: err.Error()}
	default:
		return &Error{Code: CodeSpawnFailed, Message: err.Error()}
	}
}

func writeResponse(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleEvents streams a session's outbound notification queue as
// Server-Sent-Events: one event per queued Message, until the session
// closes or the client disconnects.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	sess := h.sessions.Get(sessionID)
	if sess == nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	fmt.Fprintf(w, "retry: 3000\n\n")
	flusher.Flush()

	ctx := r.Context()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			msg, ok := sess.Outbound.Pop()
			if !ok {
				fmt.Fprintf(w, "event: done\ndata: {}\n\n")
				flusher.Flush()
				return
			}

			envelope := asNotification(msg.Value)
			payload, err := json.Marshal(envelope)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
			if msg.Terminal {
				fmt.Fprintf(w, "event: done\ndata: {}\n\n")
				flusher.Flush()
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
	case <-done:
	}
}

// asNotification is the single place queued values take on their JSON-RPC
// envelope: the stream pump enqueues raw session.OutputChunks, which become
// "output" notifications here; progress/completed values arrive already
// built as Notifications (via the Publish* helpers) and pass through
// unchanged.
func asNotification(value any) Notification {
	switch v := value.(type) {
	case session.OutputChunk:
		return Notification{JSONRPC: Version, Method: "output", Params: EncodeOutput(v)}
	case Notification:
		return v
	default:
		return Notification{JSONRPC: Version, Method: "unknown", Params: v}
	}
}

// EncodeOutput base64-encodes a chunk's payload for the wire, per the
// OutputParams schema (JSON has no native bytes type).
func EncodeOutput(chunk session.OutputChunk) OutputParams {
	return OutputParams{
		ExecutionID: chunk.ExecutionID,
		Stream:      string(chunk.Stream),
		Sequence:    chunk.Sequence,
		PayloadB64:  base64.StdEncoding.EncodeToString(chunk.Payload),
		Truncated:   chunk.Truncated,
	}
}

// notificationMessage wraps a Notification for delivery through an
// outbound.Queue, marking it Terminal when it is the execution's final
// "completed" event.
func notificationMessage(method string, params any, terminal bool) outbound.Message {
	n := Notification{JSONRPC: Version, Method: method, Params: params}
	return outbound.Message{Value: n, Terminal: terminal}
}

// PublishProgress pushes a "progress" notification onto sess's outbound
// queue. The supervisor calls this at most once per second per execution.
func PublishProgress(sess *session.Session, p ProgressParams) {
	sess.Outbound.PushWithBackpressure(notificationMessage("progress", p, false))
}

// PublishCompleted pushes the terminal "completed" notification onto
// sess's outbound queue, marked Terminal so the SSE handler closes the
// stream once it has been delivered.
func PublishCompleted(sess *session.Session, p CompletedParams) {
	sess.Outbound.PushWithBackpressure(notificationMessage("completed", p, true))
}
