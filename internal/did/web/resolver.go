// Package web resolves did:web identifiers over HTTPS.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/praxis/a2a-router/internal/did"
)

const (
	defaultTimeout  = 10 * time.Second
	maxDocumentSize = 1 << 20
)

// Resolver fetches did.json documents. AllowInsecure switches to plain HTTP
// for local development.
type Resolver struct {
	Client        *http.Client
	AllowInsecure bool
}

func (r *Resolver) Resolve(ctx context.Context, identifier string) (*did.Document, error) {
	method, specific, err := did.BaseIdentifier(identifier)
	if err != nil {
		return nil, err
	}
	if method != "web" {
		return nil, did.ErrUnsupportedMethod
	}

	httpClient := r.Client
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}

	reqURL, err := r.DocumentURL(specific)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/did+json, application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, did.ErrDocumentNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("did:web resolver: unexpected status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, fmt.Errorf("did:web resolver: read failed: %w", err)
	}

	var doc did.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("did:web resolver: decode failed: %w", err)
	}
	if doc.ID == "" {
		doc.ID = identifier
	}
	return &doc, nil
}

// DocumentURL maps the method-specific id to the did.json location:
// "example.com" -> https://example.com/.well-known/did.json,
// "example.com:agents:bob" -> https://example.com/agents/bob/did.json.
func (r *Resolver) DocumentURL(methodSpecific string) (string, error) {
	parts := strings.Split(methodSpecific, ":")

	host, err := url.PathUnescape(parts[0])
	if err != nil || host == "" {
		return "", fmt.Errorf("did:web resolver: invalid host %q", parts[0])
	}

	base := url.URL{Scheme: "https", Host: host}
	if r.AllowInsecure {
		base.Scheme = "http"
	}

	if len(parts) == 1 {
		base.Path = "/.well-known/did.json"
		return base.String(), nil
	}

	segments := []string{"/"}
	for _, seg := range parts[1:] {
		decoded, err := url.PathUnescape(seg)
		if err != nil {
			return "", fmt.Errorf("did:web resolver: invalid path segment %q", seg)
		}
		segments = append(segments, decoded)
	}
	base.Path = path.Join(append(segments, "did.json")...)
	return base.String(), nil
}
