package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/skip2/go-qrcode"

	"github.com/leandrotocalini/wabridge/internal/connection"
	"github.com/leandrotocalini/wabridge/internal/store"
	"github.com/leandrotocalini/wabridge/internal/whatsapp"
)

const (
	maxUploadSize = 64 << 20
	qrImageSize   = 256
	wsWriteWait   = 10 * time.Second
)

// Lifecycle is the admin and status surface of the connection manager.
type Lifecycle interface {
	Status() connection.Status
	Restart()
	CleanSession()
	Logout(ctx context.Context) error
	Subscribe() chan connection.Status
	Unsubscribe(ch chan connection.Status)
}

// Account is the set of domain operations served by a ready client.
type Account interface {
	SendText(ctx context.Context, to, text string) (string, error)
	SendFile(ctx context.Context, to string, f whatsapp.File) (string, error)
	ListChats(ctx context.Context) ([]whatsapp.Chat, error)
	DownloadMedia(ctx context.Context, mediaType string, raw []byte) ([]byte, error)
	GetInfo() (*whatsapp.Info, error)
}

// History is the recorded message log.
type History interface {
	ListByChat(ctx context.Context, chat string, limit int) ([]store.Message, error)
	Search(ctx context.Context, query, chat string, limit int) ([]store.Message, error)
	Get(ctx context.Context, id string) (store.Message, error)
	RecentChats(ctx context.Context, limit int) ([]store.ChatSummary, error)
}

// web serves the HTTP API and the dashboard.
type web struct {
	lifecycle Lifecycle
	history   History
	acquire   func() (Account, error)
	log       *Logger
	logger    *slog.Logger
	started   time.Time
	version   string
	upgrader  websocket.Upgrader
}

func (s *web) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleDashboard)
	mux.HandleFunc("GET /api/logs", s.handleAPILogs)
	mux.HandleFunc("GET /api/logs/stream", s.handleAPILogsStream)
	mux.HandleFunc("GET /ws/status", s.handleStatusSocket)

	mux.HandleFunc("GET /api/status", s.handleAPIStatus)
	mux.HandleFunc("POST /api/restart", s.handleRestart)
	mux.HandleFunc("POST /api/clean-session", s.handleCleanSession)
	mux.HandleFunc("POST /api/logout", s.handleLogout)
	mux.HandleFunc("GET /api/qr", s.handleQR)
	mux.HandleFunc("GET /api/qr.png", s.handleQRImage)

	mux.HandleFunc("GET /api/me", s.handleMe)
	mux.HandleFunc("POST /api/messages", s.handleSendText)
	mux.HandleFunc("POST /api/files", s.handleSendFile)
	mux.HandleFunc("GET /api/chats", s.handleListChats)
	mux.HandleFunc("GET /api/chats/recent", s.handleRecentChats)
	mux.HandleFunc("GET /api/chats/{jid}/messages", s.handleChatMessages)
	mux.HandleFunc("GET /api/messages/search", s.handleSearch)
	mux.HandleFunc("GET /api/messages/{id}/media", s.handleMedia)
	return mux
}

// --- status and admin ---

type progressJSON struct {
	Percent int    `json:"percent"`
	Message string `json:"message"`
}

type statusJSON struct {
	State          string        `json:"state"`
	QR             *string       `json:"qr"`
	Timestamp      string        `json:"timestamp"`
	AttemptCount   int           `json:"attemptCount"`
	MaxAttempts    int           `json:"maxAttempts"`
	IsInitializing bool          `json:"isInitializing"`
	Generation     uint64        `json:"generation"`
	LastError      string        `json:"lastError,omitempty"`
	Reason         string        `json:"disconnectReason,omitempty"`
	Loading        *progressJSON `json:"loading,omitempty"`
}

func statusPayload(st connection.Status) statusJSON {
	out := statusJSON{
		State:          st.State.String(),
		Timestamp:      timestamp(st.UpdatedAt),
		AttemptCount:   st.Attempts,
		MaxAttempts:    st.MaxAttempts,
		IsInitializing: st.Initializing,
		Generation:     st.Generation,
		LastError:      st.LastError,
		Reason:         st.DisconnectReason,
	}
	if st.QR != "" {
		qr := st.QR
		out.QR = &qr
	}
	if st.Loading != nil {
		out.Loading = &progressJSON{Percent: st.Loading.Percent, Message: st.Loading.Message}
	}
	return out
}

// apiStatusJSON is the status body plus process details.
type apiStatusJSON struct {
	statusJSON
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

func (s *web) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, apiStatusJSON{
		statusJSON: statusPayload(s.lifecycle.Status()),
		Version:    s.version,
		Uptime:     time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *web) handleRestart(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("restart requested", "remote", r.RemoteAddr)
	s.lifecycle.Restart()
	writeAccepted(w, "restart initiated")
}

func (s *web) handleCleanSession(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("session wipe requested", "remote", r.RemoteAddr)
	s.lifecycle.CleanSession()
	writeAccepted(w, "session cleanup initiated, a new QR code will follow")
}

func (s *web) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.lifecycle.Logout(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message":   "logged out",
		"timestamp": timestamp(time.Now()),
	})
}

func (s *web) handleQR(w http.ResponseWriter, r *http.Request) {
	st := s.lifecycle.Status()
	switch {
	case st.Ready():
		writeJSON(w, http.StatusOK, map[string]bool{"authenticated": true})
	case st.QR == "":
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "no QR code available",
			"state": st.State.String(),
		})
	default:
		writeJSON(w, http.StatusOK, map[string]string{
			"qr":        st.QR,
			"timestamp": timestamp(st.UpdatedAt),
		})
	}
}

func (s *web) handleQRImage(w http.ResponseWriter, r *http.Request) {
	st := s.lifecycle.Status()
	if st.QR == "" {
		http.Error(w, "no QR code available", http.StatusNotFound)
		return
	}
	png, err := qrcode.Encode(st.QR, qrcode.Medium, qrImageSize)
	if err != nil {
		s.logger.Error("render QR code", "error", err)
		http.Error(w, "render QR code", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(png)
}

// --- gated domain routes ---

// gate returns the ready client or writes the rejection.
func (s *web) gate(w http.ResponseWriter) (Account, bool) {
	acc, err := s.acquire()
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	return acc, true
}

func (s *web) handleMe(w http.ResponseWriter, r *http.Request) {
	acc, ok := s.gate(w)
	if !ok {
		return
	}
	info, err := acc.GetInfo()
	if err != nil {
		s.writeError(w, &connection.OperationError{Op: "account info", Err: err})
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type sendTextRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

type sendResponse struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
}

func (s *web) handleSendText(w http.ResponseWriter, r *http.Request) {
	acc, ok := s.gate(w)
	if !ok {
		return
	}

	var req sendTextRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.To == "" || strings.TrimSpace(req.Text) == "" {
		writeBadRequest(w, "to and text are required")
		return
	}

	id, err := acc.SendText(r.Context(), req.To, req.Text)
	if err != nil {
		s.writeError(w, &connection.OperationError{Op: "send text", Err: err})
		return
	}
	writeJSON(w, http.StatusOK, sendResponse{ID: id, Timestamp: timestamp(time.Now())})
}

func (s *web) handleSendFile(w http.ResponseWriter, r *http.Request) {
	acc, ok := s.gate(w)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeBadRequest(w, "invalid multipart body")
		return
	}
	to := r.FormValue("to")
	if to == "" {
		writeBadRequest(w, "to is required")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeBadRequest(w, "file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeBadRequest(w, "read file")
		return
	}
	mime := header.Header.Get("Content-Type")
	if mime == "" || mime == "application/octet-stream" {
		mime = http.DetectContentType(data)
	}

	id, err := acc.SendFile(r.Context(), to, whatsapp.File{
		Name:    header.Filename,
		MIME:    mime,
		Data:    data,
		Caption: r.FormValue("caption"),
	})
	if err != nil {
		s.writeError(w, &connection.OperationError{Op: "send file", Err: err})
		return
	}
	writeJSON(w, http.StatusOK, sendResponse{ID: id, Timestamp: timestamp(time.Now())})
}

func (s *web) handleListChats(w http.ResponseWriter, r *http.Request) {
	acc, ok := s.gate(w)
	if !ok {
		return
	}
	chats, err := acc.ListChats(r.Context())
	if err != nil {
		s.writeError(w, &connection.OperationError{Op: "list chats", Err: err})
		return
	}
	if chats == nil {
		chats = []whatsapp.Chat{}
	}
	writeJSON(w, http.StatusOK, chats)
}

func (s *web) handleRecentChats(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.gate(w); !ok {
		return
	}
	chats, err := s.history.RecentChats(r.Context(), queryLimit(r))
	if err != nil {
		s.writeError(w, &connection.OperationError{Op: "recent chats", Err: err})
		return
	}
	if chats == nil {
		chats = []store.ChatSummary{}
	}
	writeJSON(w, http.StatusOK, chats)
}

func (s *web) handleChatMessages(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.gate(w); !ok {
		return
	}
	msgs, err := s.history.ListByChat(r.Context(), r.PathValue("jid"), queryLimit(r))
	if err != nil {
		s.writeError(w, &connection.OperationError{Op: "list messages", Err: err})
		return
	}
	writeMessages(w, msgs)
}

func (s *web) handleSearch(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.gate(w); !ok {
		return
	}
	q := r.URL.Query()
	if strings.TrimSpace(q.Get("q")) == "" {
		writeBadRequest(w, "q is required")
		return
	}
	msgs, err := s.history.Search(r.Context(), q.Get("q"), q.Get("chat"), queryLimit(r))
	if err != nil {
		s.writeError(w, &connection.OperationError{Op: "search messages", Err: err})
		return
	}
	writeMessages(w, msgs)
}

func (s *web) handleMedia(w http.ResponseWriter, r *http.Request) {
	acc, ok := s.gate(w)
	if !ok {
		return
	}
	msg, err := s.history.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "message not found"})
		return
	}
	if err != nil {
		s.writeError(w, &connection.OperationError{Op: "get message", Err: err})
		return
	}
	if !msg.HasMedia() {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": whatsapp.ErrNoMedia.Error()})
		return
	}

	data, err := acc.DownloadMedia(r.Context(), msg.MediaType, msg.MediaProto)
	if err != nil {
		s.writeError(w, &connection.OperationError{Op: "download media", Err: err})
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

// --- observability ---

func (s *web) handleAPILogs(w http.ResponseWriter, r *http.Request) {
	entries := s.log.Entries()

	out := make([]logJSON, len(entries))
	for i, e := range entries {
		out[i] = toLogJSON(e)
	}
	writeJSON(w, http.StatusOK, out)
}

type logJSON struct {
	Time    string `json:"time"`
	Level   string `json:"level"`
	Message string `json:"message"`
}

func toLogJSON(e LogEntry) logJSON {
	return logJSON{
		Time:    e.Time.Format("15:04:05"),
		Level:   e.Level.String(),
		Message: e.Message,
	}
}

// handleAPILogsStream sends logs as SSE (Server-Sent Events).
func (s *web) handleAPILogsStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.log.Subscribe()
	defer s.log.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-ch:
			data, _ := json.Marshal(toLogJSON(entry))
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// handleStatusSocket streams every status change over a websocket,
// starting with the current one.
func (s *web) handleStatusSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	updates := s.lifecycle.Subscribe()
	defer s.lifecycle.Unsubscribe(updates)

	// The reader only notices the peer going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(st connection.Status) bool {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(statusPayload(st)) == nil
	}
	if !send(s.lifecycle.Status()) {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case st, ok := <-updates:
			if !ok || !send(st) {
				return
			}
		}
	}
}

func (s *web) handleDashboard(w http.ResponseWriter, r *http.Request) {
	st := s.lifecycle.Status()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
<title>wabridge %s</title>
<meta name="viewport" content="width=device-width, initial-scale=1">
<style>
  * { margin: 0; padding: 0; box-sizing: border-box; }
  body { font-family: -apple-system, BlinkMacSystemFont, "SF Mono", monospace; background: #0d1117; color: #c9d1d9; padding: 20px; }
  h1 { font-size: 1.3em; margin-bottom: 16px; color: #58a6ff; }
  .status { display: flex; gap: 24px; margin-bottom: 20px; flex-wrap: wrap; align-items: flex-start; }
  .badge { background: #161b22; border: 1px solid #30363d; border-radius: 8px; padding: 12px 16px; }
  .badge .label { font-size: 0.75em; color: #8b949e; text-transform: uppercase; margin-bottom: 4px; }
  .badge .value { font-size: 1.1em; }
  .ready { color: #3fb950; }
  .waiting { color: #d29922; }
  .down { color: #f85149; }
  button { background: #21262d; color: #c9d1d9; border: 1px solid #30363d; border-radius: 6px; padding: 6px 12px; margin-right: 6px; cursor: pointer; }
  #qr img { background: #fff; padding: 8px; border-radius: 8px; }
  #logs { background: #161b22; border: 1px solid #30363d; border-radius: 8px; padding: 16px; height: calc(100vh - 220px); overflow-y: auto; font-size: 0.85em; line-height: 1.6; }
  .log-line { white-space: pre-wrap; word-break: break-all; }
  .log-INFO { color: #c9d1d9; }
  .log-WARN { color: #d29922; }
  .log-ERROR { color: #f85149; }
  .log-DEBUG { color: #8b949e; }
</style>
</head>
<body>
<h1>wabridge %s</h1>
<div class="status">
  <div class="badge"><div class="label">Connection</div><div class="value" id="state">%s</div></div>
  <div class="badge"><div class="label">Attempts</div><div class="value" id="attempts">—</div></div>
  <div class="badge"><div class="label">Last error</div><div class="value" id="last-error">—</div></div>
  <div class="badge"><div class="label">Admin</div><div class="value">
    <button onclick="admin('restart')">Restart</button>
    <button onclick="admin('clean-session')">Clean session</button>
    <button onclick="admin('logout')">Logout</button>
  </div></div>
  <div class="badge" id="qr" hidden><div class="label">Scan with WhatsApp</div><img alt="QR code"></div>
</div>
<div id="logs"></div>
<script>
const logsEl = document.getElementById('logs');
let lastQR = null;

fetch('/api/logs').then(r => r.json()).then(logs => {
  logs.forEach(addLog);
  logsEl.scrollTop = logsEl.scrollHeight;
});

const es = new EventSource('/api/logs/stream');
es.onmessage = (e) => {
  addLog(JSON.parse(e.data));
  logsEl.scrollTop = logsEl.scrollHeight;
};

function connect() {
  const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/ws/status');
  ws.onmessage = (e) => render(JSON.parse(e.data));
  ws.onclose = () => setTimeout(connect, 3000);
}
connect();

function render(s) {
  const stateEl = document.getElementById('state');
  stateEl.textContent = s.state + (s.isInitializing ? ' …' : '');
  stateEl.className = s.state === 'ready' ? 'ready' : (s.state === 'failed' || s.state === 'disconnected') ? 'down' : 'waiting';
  document.getElementById('attempts').textContent = s.attemptCount + ' / ' + s.maxAttempts;
  document.getElementById('last-error').textContent = s.lastError || '—';
  const qrEl = document.getElementById('qr');
  qrEl.hidden = !s.qr;
  if (s.qr && s.qr !== lastQR) {
    qrEl.querySelector('img').src = '/api/qr.png?t=' + Date.now();
  }
  lastQR = s.qr;
}

async function admin(op) {
  const r = await fetch('/api/' + op, {method: 'POST'});
  const body = await r.json();
  addLog({time: new Date().toTimeString().slice(0, 8), level: r.ok ? 'INFO' : 'WARN', message: op + ': ' + (body.message || body.error)});
}

function addLog(log) {
  const div = document.createElement('div');
  div.className = 'log-line log-' + log.level;
  div.textContent = log.time + ' ' + log.message;
  logsEl.appendChild(div);
}
</script>
</body>
</html>`, html.EscapeString(s.version), html.EscapeString(s.version), st.State.String())
}

// --- helpers ---

type notReadyJSON struct {
	Error   string  `json:"error"`
	Message string  `json:"message"`
	State   string  `json:"state"`
	QR      *string `json:"qr"`
}

// writeError maps lifecycle and domain errors to responses: a closed gate is
// 503 with the pairing code, a failed domain call is 502.
func (s *web) writeError(w http.ResponseWriter, err error) {
	var notReady *connection.NotReadyError
	if errors.As(err, &notReady) {
		out := notReadyJSON{
			Error:   connection.ErrNotReady.Error(),
			Message: notReady.Message,
			State:   notReady.State.String(),
		}
		if notReady.QR != "" {
			qr := notReady.QR
			out.QR = &qr
		}
		writeJSON(w, notReady.Code, out)
		return
	}

	var opErr *connection.OperationError
	if errors.As(err, &opErr) {
		s.logger.Warn("operation failed", "op", opErr.Op, "error", opErr.Err)
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error":     opErr.Err.Error(),
			"operation": opErr.Op,
		})
		return
	}

	s.logger.Error("request failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeAccepted(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusAccepted, map[string]string{
		"message":   message,
		"timestamp": timestamp(time.Now()),
	})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": message})
}

func writeMessages(w http.ResponseWriter, msgs []store.Message) {
	if msgs == nil {
		msgs = []store.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// queryLimit reads ?limit=; the store clamps it.
func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return n
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339)
}
