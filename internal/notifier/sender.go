package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"

	logx "pipeorch/pkg/logx"
)

// LogSender writes notifications to the log at warn level.
type LogSender struct{ log logx.Logger }

func NewLogSender(log logx.Logger) *LogSender {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogSender{log: log}
}

func (l *LogSender) Send(_ context.Context, n Notification) error {
	l.log.Warn("scheduler failure", logx.String("pipeline", n.Pipeline), logx.String("error", n.Error), logx.Time("at", n.At))
	return nil
}

// WebhookSender posts {"pipeline","error","at","text"} as JSON to URL.
type WebhookSender struct {
	url    string
	client *http.Client
}

func NewWebhookSender(url string, client *http.Client) *WebhookSender {
	if client == nil {
		client = &http.Client{}
	}
	return &WebhookSender{url: strings.TrimSpace(url), client: client}
}

type webhookBody struct {
	Notification
	Text string `json:"text"`
}

func (w *WebhookSender) Send(ctx context.Context, n Notification) error {
	b, err := json.Marshal(webhookBody{Notification: n, Text: n.Text()})
	if err != nil {
		return errors.Wrap(err, "encode webhook body")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Newf("webhook answered %s", resp.Status)
	}
	return nil
}

var (
	_ Sender = (*LogSender)(nil)
	_ Sender = (*WebhookSender)(nil)
)
