// Package webhook forwards dispatched commands to an external HTTP endpoint.
// It lets a deployment execute commands out of process: the endpoint receives
// one POST per command and replies with the result fed back to the model.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/halcyonsky/murmur/conversation"
	"github.com/halcyonsky/murmur/dispatch"
)

// timeout is the timeout for one webhook request.
var timeout = 30 * time.Second

// RequestPayload is the body posted for each command.
type RequestPayload struct {
	CtxID   string               `json:"ctx_id"`
	MetaID  string               `json:"meta_id"`
	Command conversation.Command `json:"command"`
}

// ResponsePayload is the expected endpoint reply.
type ResponsePayload struct {
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
	Code   int    `json:"code"`
}

// Plugin posts each dispatched command to a webhook endpoint and records
// the endpoint's reply as the command result.
type Plugin struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// New creates a webhook plugin targeting url.
func New(url string) *Plugin {
	return &Plugin{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: slog.Default().With("component", "webhook_plugin"),
	}
}

func (p *Plugin) ID() string { return "webhook" }

// Handle posts every command in the event. A failing command records an
// error result and processing continues; the stop flag is honored between
// commands.
func (p *Plugin) Handle(ctx context.Context, ev *dispatch.Event) error {
	for _, cmd := range ev.Commands {
		if ev.Stopped() {
			return nil
		}
		out, err := p.post(ctx, RequestPayload{
			CtxID:   ev.Ctx.ID,
			MetaID:  ev.Ctx.MetaID,
			Command: cmd,
		})
		result := conversation.Result{Command: cmd.Name, Output: out}
		if err != nil {
			p.logger.Warn("webhook command failed", "cmd", cmd.Name, "error", err)
			result.Error = err.Error()
		}
		ev.AddResult(result)
	}
	return nil
}

func (p *Plugin) post(ctx context.Context, payload RequestPayload) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrapf(err, "failed to marshal webhook request to %s", p.url)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewBuffer(body))
	if err != nil {
		return "", errors.Wrapf(err, "failed to construct webhook request to %s", p.url)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "failed to post webhook to %s", p.url)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read webhook response from %s", p.url)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", errors.Errorf("failed to post webhook %s, status code: %d, response body: %s", p.url, resp.StatusCode, b)
	}

	var response ResponsePayload
	if err := json.Unmarshal(b, &response); err != nil {
		return "", errors.Wrapf(err, "failed to unmarshal webhook response from %s", p.url)
	}
	if response.Code != 0 {
		return "", errors.Errorf("webhook server returned error code %d, msg: %s", response.Code, response.Error)
	}
	return response.Output, nil
}
