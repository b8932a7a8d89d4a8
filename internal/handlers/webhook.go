package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/roach88/careflow/internal/engine"
)

// webhook POSTs content to url.
//
// Params: url, content, auth (bearer token), content_type (default
// application/json). A JSON object response becomes context "webhook".
func (d *Deps) webhook(ctx context.Context, req engine.Request) (engine.Result, error) {
	target := stringParam(req.Params, "url")
	if target == "" {
		return engine.Result{}, fmt.Errorf("webhook: url is required")
	}
	contentType := stringParam(req.Params, "content_type")
	if contentType == "" {
		contentType = "application/json"
	}

	var body []byte
	switch v := req.Params["content"].(type) {
	case string:
		body = []byte(v)
	case nil:
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return engine.Result{}, fmt.Errorf("webhook: encode content: %w", err)
		}
		body = data
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return engine.Result{}, fmt.Errorf("webhook: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	if auth := stringParam(req.Params, "auth"); auth != "" {
		httpReq.Header.Set("Authorization", "Bearer "+auth)
	}

	resp, err := d.HTTPClient.Do(httpReq)
	if err != nil {
		return engine.Result{}, fmt.Errorf("webhook: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return engine.Result{}, fmt.Errorf("webhook: read response: %w", err)
	}
	if resp.StatusCode > 299 {
		return engine.Result{}, fmt.Errorf("webhook: %s returned status %d", target, resp.StatusCode)
	}

	var reply map[string]any
	if json.Unmarshal(data, &reply) != nil || reply == nil {
		return engine.Result{}, nil
	}
	return engine.Result{ContextUpdate: map[string]any{"webhook": reply}}, nil
}
