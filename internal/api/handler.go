package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"runtime/debug"

	"github.com/RichardoC/pad-relay/internal/chat"
	"github.com/RichardoC/pad-relay/internal/config"
	"github.com/RichardoC/pad-relay/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Handler struct {
	chat           *chat.Service
	logger         *zap.Logger
	staticDir      string
	maxUploadBytes int64
}

type Options struct {
	StaticDir      string
	MaxUploadBytes int64
}

func NewHandler(chatService *chat.Service, opts Options, logger *zap.Logger) *Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = config.DefaultAttachmentSize
	}
	return &Handler{
		chat:           chatService,
		logger:         logger,
		staticDir:      opts.StaticDir,
		maxUploadBytes: opts.MaxUploadBytes,
	}
}

type ChatRequest struct {
	Session    string             `json:"session"`
	Action     string             `json:"action"`
	Text       string             `json:"text"`
	Model      string             `json:"model"`
	Attachment *models.Attachment `json:"attachment,omitempty"`
}

// Routes builds the HTTP surface.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat", h.HandleChat)
	mux.HandleFunc("/history", h.HandleHistory)
	mux.HandleFunc("/upload_attachment", h.HandleUpload)
	if h.staticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(h.staticDir)))
	}
	return h.recoverer(mux)
}

func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	reply, err := h.chat.Start(r.Context(), chat.Turn{
		SessionID:  req.Session,
		Provider:   req.Model,
		Action:     chat.Action(req.Action),
		Text:       req.Text,
		Attachment: req.Attachment,
	})
	if err != nil {
		if chat.IsInputError(err) {
			http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
			return
		}
		h.logger.Error("Failed to start turn", zap.Error(err), zap.String("session", req.Session))
		http.Error(w, fmt.Sprintf("An unexpected server error occurred: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	for fragment := range reply.Fragments() {
		if _, err := io.WriteString(w, fragment); err != nil {
			h.logger.Info("Client went away mid-stream", zap.Error(err), zap.String("session", req.Session))
			break
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	if err := reply.Err(); err != nil {
		h.logger.Error("Reply was streamed but not saved", zap.Error(err), zap.String("session", req.Session))
	}
}

func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	messages := []models.ProjectedMessage{}
	if session := r.URL.Query().Get("session"); session != "" {
		var err error
		messages, err = h.chat.History(r.Context(), session)
		if err != nil {
			h.logger.Error("Failed to load history", zap.Error(err), zap.String("session", session))
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(messages); err != nil {
		h.logger.Error("Failed to encode history", zap.Error(err))
	}
}

func (h *Handler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Leave room for the multipart framing around the file itself.
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+1<<20)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "File too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, fmt.Sprintf("Invalid upload: %v", err), http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.maxUploadBytes+1))
	if err != nil {
		h.logger.Error("Failed to read upload", zap.Error(err))
		http.Error(w, "Failed to read upload", http.StatusBadRequest)
		return
	}
	if int64(len(data)) > h.maxUploadBytes {
		http.Error(w, "File too large", http.StatusRequestEntityTooLarge)
		return
	}

	attachment := describeAttachment(header.Filename, data)
	h.logger.Debug("Accepted attachment",
		zap.String("id", attachment.ID),
		zap.String("mime_type", attachment.MimeType),
		zap.Int64("size", attachment.Size))

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(attachment); err != nil {
		h.logger.Error("Failed to encode attachment", zap.Error(err))
	}
}

func describeAttachment(name string, data []byte) *models.Attachment {
	attachment := &models.Attachment{
		ID:       uuid.NewString(),
		Name:     name,
		Size:     int64(len(data)),
		MimeType: http.DetectContentType(data),
		Data:     base64.StdEncoding.EncodeToString(data),
	}
	if cfg, format, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		attachment.Width = cfg.Width
		attachment.Height = cfg.Height
		attachment.MimeType = "image/" + format
	}
	return attachment
}

// recoverer turns a panic in any handler into a 500 and keeps serving.
func (h *Handler) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				h.logger.Error("Handler panicked",
					zap.Any("panic", rec),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.ByteString("stack", debug.Stack()))
				http.Error(w, fmt.Sprintf("An unexpected server error occurred: %v", rec), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
