package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

// Notification is one fired alert, ready for delivery.
type Notification struct {
	MonitorTitle string
	ModelID      string
	Metric       string
	Comparison
	FiredAt time.Time
}

// Transport delivers a Notification. Implementations may be unreliable
// (webhook, email); every call goes through SendWithRetry so a
// transient network blip doesn't drop an alert.
type Transport interface {
	Send(ctx context.Context, n Notification) error
}

// StdoutTransport writes notifications to stdout. tangram-monitor seeds
// it as the only method of an alert whose config names no methods.
type StdoutTransport struct{}

func (StdoutTransport) Send(ctx context.Context, n Notification) error {
	_, err := fmt.Fprintf(os.Stdout, "[alert] %s: model=%s metric=%s variance=%.6f at=%s\n",
		n.MonitorTitle, n.ModelID, n.Metric, n.Value, n.FiredAt.Format(time.RFC3339))
	return errors.Wrap(err, "alert: stdout transport")
}

// WebhookTransport POSTs a JSON payload to a fixed URL.
type WebhookTransport struct {
	URL    string
	Client *http.Client
}

func NewWebhookTransport(url string) WebhookTransport {
	return WebhookTransport{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

func (w WebhookTransport) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return errors.Wrap(err, "alert: marshal webhook payload")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "alert: build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.Client.Do(req)
	if err != nil {
		return errors.Wrap(err, "alert: webhook request")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.Errorf("alert: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// SMTPTransport is the interface net/smtp satisfies via SendMail,
// narrowed so tests can substitute NopTransport without dialing a real
// mail server.
type SMTPTransport interface {
	SendMail(addr string, from string, to []string, msg []byte) error
}

// NetSMTPTransport adapts net/smtp.SendMail to SMTPTransport.
type NetSMTPTransport struct{}

func (NetSMTPTransport) SendMail(addr, from string, to []string, msg []byte) error {
	return smtp.SendMail(addr, nil, from, to, msg)
}

// NopTransport discards every send; used in tests.
type NopTransport struct{}

func (NopTransport) SendMail(addr, from string, to []string, msg []byte) error { return nil }

// EmailTransport sends notifications as plain-text email via an
// SMTPTransport (real or, in tests, NopTransport).
type EmailTransport struct {
	SMTPAddr string
	From     string
	To       string
	Client   SMTPTransport
}

func (e EmailTransport) Send(ctx context.Context, n Notification) error {
	subject := fmt.Sprintf("Subject: tangram alert: %s\r\n\r\n", n.MonitorTitle)
	body := fmt.Sprintf("model=%s metric=%s variance=%.6f at=%s\r\n",
		n.ModelID, n.Metric, n.Value, n.FiredAt.Format(time.RFC3339))
	msg := []byte(subject + body)
	err := e.Client.SendMail(e.SMTPAddr, e.From, []string{e.To}, msg)
	return errors.Wrap(err, "alert: email transport")
}

// SendWithRetry delivers a notification through t, retrying transient
// failures with exponential backoff up to maxElapsed.
func SendWithRetry(ctx context.Context, t Transport, n Notification, maxElapsed time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxElapsed
	operation := func() error { return t.Send(ctx, n) }
	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}
