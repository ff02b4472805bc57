package translator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPConfig 遠端翻譯服務設定
type HTTPConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// HTTP 透過 JSON over HTTP 呼叫遠端翻譯服務
//
// 請求：POST Endpoint，body 為 httpRequest
// 回應：200 + httpResponse
//
// 狀態碼分類：429 / 5xx / 網路錯誤為暫時性，其餘 4xx 為永久性。
type HTTP struct {
	cfg    HTTPConfig
	client *http.Client
}

type httpRequest struct {
	Text          string `json:"text"`
	ContextBefore string `json:"context_before,omitempty"`
	ContextAfter  string `json:"context_after,omitempty"`
	Source        string `json:"source"`
	Target        string `json:"target"`
	Hint          string `json:"hint,omitempty"`
}

type httpResponse struct {
	Text    string  `json:"text"`
	Quality float64 `json:"quality"`
	Error   string  `json:"error,omitempty"`
}

// NewHTTP 建立 HTTP 翻譯器
func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("translator: endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &HTTP{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Translate implements Translator.
func (h *HTTP) Translate(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(httpRequest{
		Text:          req.Text,
		ContextBefore: req.ContextBefore,
		ContextAfter:  req.ContextAfter,
		Source:        req.Languages.Source,
		Target:        req.Languages.Target,
		Hint:          req.Hint,
	})
	if err != nil {
		return Response{}, Permanent(fmt.Errorf("encode request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, Permanent(fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if h.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.cfg.APIKey)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return Response{}, Transient(fmt.Errorf("call translator: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return Response{}, Transient(fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		statusErr := fmt.Errorf("translator returned %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return Response{}, Transient(statusErr)
		}
		return Response{}, Permanent(statusErr)
	}

	var out httpResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Response{}, Permanent(fmt.Errorf("decode response: %w", err))
	}
	if out.Error != "" {
		return Response{}, Permanent(errors.New(out.Error))
	}
	return Response{Text: out.Text, Quality: out.Quality}, nil
}
