package offlinequeue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mmdatafocus/kanban_backend/scanerr"
)

// ScanRequestBody is what POST /scan/:cardId accepts.
type ScanRequestBody struct {
	IdempotencyKey string       `json:"idempotencyKey"`
	Method         string       `json:"method"`
	ActorRole      string       `json:"actorRole"`
	ToStage        string       `json:"toStage,omitempty"`
	Geolocation    *Geolocation `json:"geolocation,omitempty"`
}

// HTTPSender replays queued scans against the scan endpoint.
type HTTPSender struct {
	BaseURL   string
	Token     string
	Method    string
	ActorRole string
	ToStage   string
	Client    *http.Client
}

func NewHTTPSender(baseURL, token string, timeout time.Duration) *HTTPSender {
	return &HTTPSender{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		Token:     token,
		Method:    "qr_scan",
		ActorRole: "inventory_manager",
		Client:    &http.Client{Timeout: timeout},
	}
}

// Send posts one scan. Server {code,message} bodies come back as *scanerr.Error;
// anything else (connection refused, a proxy's HTML 502) is a plain error.
func (s *HTTPSender) Send(ctx context.Context, ev ScanEvent) (*SyncResult, error) {
	body, err := json.Marshal(ScanRequestBody{
		IdempotencyKey: ev.IdempotencyKey,
		Method:         s.Method,
		ActorRole:      s.ActorRole,
		ToStage:        s.ToStage,
		Geolocation:    ev.Geolocation(),
	})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/scan/%s", s.BaseURL, ev.CardId)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", ev.IdempotencyKey)
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post scan: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read scan response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var result SyncResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("decode scan result: %w", err)
		}
		return &result, nil
	}

	var se scanerr.Error
	if err := json.Unmarshal(raw, &se); err == nil && se.Code != "" {
		return nil, &se
	}
	return nil, fmt.Errorf("scan endpoint returned %d", resp.StatusCode)
}
