package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/riverqueue/river"
)

const (
	// EventHeader names the event on every webhook request.
	EventHeader = "X-AgentMarket-Event"

	webhookUserAgent   = "AgentMarket-Webhook/1.0"
	webhookTimeout     = 10 * time.Second
	webhookMaxAttempts = 5
)

// Payload is the JSON body POSTed to a webhook URL.
type Payload struct {
	Event     string          `json:"event"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

type DeliverWebhookArgs struct {
	URL     string  `json:"url"`
	Payload Payload `json:"payload"`
}

func (DeliverWebhookArgs) Kind() string { return "deliver_webhook" }

// InsertOpts caps retries; River backs off between attempts.
func (DeliverWebhookArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: webhookMaxAttempts}
}

// DeliverWebhookWorker POSTs one payload. A network error or non-2xx status
// fails the attempt so River retries it.
type DeliverWebhookWorker struct {
	river.WorkerDefaults[DeliverWebhookArgs]
	httpClient *http.Client
}

func NewDeliverWebhookWorker(client *http.Client) *DeliverWebhookWorker {
	if client == nil {
		client = &http.Client{Timeout: webhookTimeout}
	}
	return &DeliverWebhookWorker{httpClient: client}
}

func (w *DeliverWebhookWorker) Work(ctx context.Context, job *river.Job[DeliverWebhookArgs]) error {
	args := job.Args

	body, err := json.Marshal(args.Payload)
	if err != nil {
		return river.JobCancel(fmt.Errorf("marshal webhook payload: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, args.URL, bytes.NewReader(body))
	if err != nil {
		return river.JobCancel(fmt.Errorf("create webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", webhookUserAgent)
	req.Header.Set(EventHeader, args.Payload.Event)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deliver %s webhook: %w", args.Payload.Event, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("deliver %s webhook: endpoint returned %d", args.Payload.Event, resp.StatusCode)
	}
	return nil
}
