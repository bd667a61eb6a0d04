package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	logx "slotwatch/pkg/logx"
)

// PushConfig configures the HTTP push sender.
type PushConfig struct {
	// Timeout bounds one delivery attempt end to end.
	Timeout time.Duration
	// AuthToken, when set, is sent as a bearer token to the push gateway.
	AuthToken string
}

// HTTPPush posts the notification JSON to the target's endpoint. The
// gateway's HTTP status is surfaced unchanged so the retry manager can
// classify it.
type HTTPPush struct {
	cfg    PushConfig
	log    logx.Logger
	client *http.Client
}

func NewHTTPPush(cfg PushConfig, log logx.Logger) *HTTPPush {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &HTTPPush{
		cfg:    cfg,
		log:    log,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (p *HTTPPush) SendPush(ctx context.Context, endpoint string, n PushNotification) PushResult {
	body, err := json.Marshal(n)
	if err != nil {
		return PushResult{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return PushResult{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.AuthToken)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		// No response: network error or timeout. StatusCode 0 classifies
		// as retryable downstream.
		return PushResult{Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	delivered := resp.StatusCode/100 == 2
	return PushResult{Delivered: delivered, StatusCode: resp.StatusCode}
}
