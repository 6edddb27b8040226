package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/praxis/a2a-router/internal/a2a"
)

const defaultHTTPTimeout = 30 * time.Second

// HTTPTransport POSTs the message JSON to the endpoint URL.
type HTTPTransport struct {
	client *http.Client
	logger *logrus.Logger
}

func NewHTTPTransport(client *http.Client, logger *logrus.Logger) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &HTTPTransport{client: client, logger: logger}
}

func (t *HTTPTransport) Kind() a2a.TransportKind { return a2a.TransportHTTP }

func (t *HTTPTransport) Send(ctx context.Context, msg *a2a.Message, endpoint string) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", ContentTypeJSON)
	req.Header.Set(HeaderProtocolVersion, a2a.ProtocolVersion)
	req.Header.Set(HeaderMessageID, msg.ID)

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: HTTP %d: %s", ErrRejected, resp.StatusCode, bytes.TrimSpace(detail))
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	t.logger.Debugf("Delivered message %s over HTTP to %s", msg.ID, endpoint)
	return nil
}

func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
