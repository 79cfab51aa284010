package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/RichardoC/pad-relay/internal/config"
	"go.uber.org/zap"
)

// jsonLinesAdapter posts a templated JSON payload and reads back one JSON
// object per line, optionally SSE "data:" framed, pulling text out of a
// configured field.
type jsonLinesAdapter struct {
	client       *http.Client
	url          string
	headers      map[string]string
	template     map[string]any
	promptField  string
	historyField string
	contentField string

	handshake *config.HandshakeConfig
	sessions  *handshakeCache
	logger    *zap.Logger
}

func NewJSONLinesAdapter(cfg config.ProviderConfig, logger *zap.Logger) (Adapter, error) {
	if cfg.URL == "" || cfg.PromptField == "" {
		return nil, errors.New("url and prompt_field are required")
	}

	template, _ := cloneValue(cfg.PayloadTemplate).(map[string]any)
	if template == nil {
		template = map[string]any{}
	}
	// A trial build catches template paths that can never be written.
	if _, err := buildPayload(template, cfg.PromptField, cfg.HistoryField, "", Request{}, ""); err != nil {
		return nil, err
	}

	contentField := cfg.ContentField
	if contentField == "" {
		contentField = "content"
	}

	a := &jsonLinesAdapter{
		client:       &http.Client{},
		url:          cfg.URL,
		headers:      cfg.Headers,
		template:     template,
		promptField:  cfg.PromptField,
		historyField: cfg.HistoryField,
		contentField: contentField,
		logger:       logger,
	}
	if cfg.Handshake != nil {
		hs := *cfg.Handshake
		if hs.Method == "" {
			hs.Method = http.MethodPost
		}
		if hs.TokenField != "" && hs.TokenHeader == "" && hs.PayloadField == "" {
			hs.TokenHeader = "Authorization"
		}
		a.handshake = &hs
		a.sessions = newHandshakeCache()
	}
	return a, nil
}

func (a *jsonLinesAdapter) Stream(ctx context.Context, req Request, emit func(string) error) error {
	var credential string
	if a.handshake != nil {
		var err error
		credential, err = a.sessions.get(ctx, req.SessionID, a.performHandshake)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrHandshake, err)
		}
	}

	payloadField := ""
	if a.handshake != nil {
		payloadField = a.handshake.PayloadField
	}
	payload, err := buildPayload(a.template, a.promptField, a.historyField, payloadField, req, credential)
	if err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json; charset=utf-8")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range a.headers {
		httpReq.Header.Set(k, v)
	}
	a.applyCredential(httpReq, credential)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if a.handshake != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			a.sessions.evict(req.SessionID)
			a.logger.Info("upstream rejected session credential, dropping it",
				zap.String("session", req.SessionID),
				zap.Int("status", resp.StatusCode))
		}
		return &StatusError{Op: "request", Code: resp.StatusCode, Body: readSnippet(resp.Body)}
	}

	return a.decode(resp.Body, emit)
}

func (a *jsonLinesAdapter) decode(r io.Reader, emit func(string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	var emitted, malformed int
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "event:") || strings.HasPrefix(line, "id:") || strings.HasPrefix(line, "retry:") {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
		if line == "[DONE]" {
			return nil
		}

		var chunk any
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			malformed++
			continue
		}
		value, ok := getPath(chunk, a.contentField)
		if !ok {
			continue
		}
		text, _ := value.(string)
		if text == "" {
			continue
		}
		emitted++
		if err := emit(text); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read stream: %w", err)
	}
	if emitted == 0 && malformed > 0 {
		return fmt.Errorf("malformed stream: %d undecodable lines", malformed)
	}
	return nil
}

func (a *jsonLinesAdapter) performHandshake(ctx context.Context) (string, error) {
	var body io.Reader
	if a.handshake.Method != http.MethodGet {
		body = strings.NewReader("{}")
	}
	req, err := http.NewRequestWithContext(ctx, a.handshake.Method, a.handshake.URL, body)
	if err != nil {
		return "", fmt.Errorf("failed to create handshake request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range a.headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("handshake request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &StatusError{Op: "handshake", Code: resp.StatusCode, Body: readSnippet(resp.Body)}
	}

	if a.handshake.TokenField == "" {
		cookies := resp.Cookies()
		if len(cookies) == 0 {
			return "", errors.New("handshake returned no cookies")
		}
		parts := make([]string, 0, len(cookies))
		for _, c := range cookies {
			parts = append(parts, c.Name+"="+c.Value)
		}
		return strings.Join(parts, "; "), nil
	}

	var decoded any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("failed to decode handshake response: %w", err)
	}
	value, _ := getPath(decoded, a.handshake.TokenField)
	token, _ := value.(string)
	if token == "" {
		return "", fmt.Errorf("handshake response has no %q", a.handshake.TokenField)
	}
	a.logger.Debug("acquired upstream session token")
	return token, nil
}

func (a *jsonLinesAdapter) applyCredential(req *http.Request, credential string) {
	if a.handshake == nil || credential == "" {
		return
	}
	switch {
	case a.handshake.TokenField == "":
		req.Header.Set("Cookie", credential)
	case a.handshake.TokenHeader != "":
		req.Header.Set(a.handshake.TokenHeader, credential)
	}
}

// buildPayload produces a fresh request body; template is never modified.
func buildPayload(template map[string]any, promptField, historyField, credentialField string, req Request, credential string) (map[string]any, error) {
	payload := cloneValue(template).(map[string]any)

	// Some upstreams echo the prompt in more than one place.
	for _, field := range strings.Split(promptField, ",") {
		if err := setPath(payload, strings.TrimSpace(field), req.Text); err != nil {
			return nil, err
		}
	}
	if historyField != "" {
		history := make([]any, 0, len(req.History))
		for _, msg := range req.History {
			history = append(history, map[string]any{
				"role":    string(msg.Role),
				"content": msg.Content,
			})
		}
		if err := setPath(payload, historyField, history); err != nil {
			return nil, err
		}
	}
	if credentialField != "" {
		if err := setPath(payload, credentialField, credential); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

func readSnippet(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(data))
}
