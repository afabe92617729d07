// Backend implementations: container RPC, serverless function invocation,
// and generic webhooks. All three ride the same HTTP normalization in
// backend.go; they differ only in how the target URL is derived from the
// command.
package dispatch

import (
	"context"
	"net/http"
	"net/url"
	"strings"
)

// ContainerBackend calls a co-located interaction module over its local RPC
// surface. Command.Invocation names the RPC method.
type ContainerBackend struct {
	BaseURL string // e.g. "http://127.0.0.1:9090"
	client  *http.Client
}

// NewContainerBackend constructs a ContainerBackend for the given base URL.
func NewContainerBackend(baseURL string) *ContainerBackend {
	return &ContainerBackend{BaseURL: strings.TrimRight(baseURL, "/"), client: newClient()}
}

// Invoke implements Backend.
func (b *ContainerBackend) Invoke(ctx context.Context, _ string, req Request, body []byte) (string, error) {
	target := b.BaseURL + "/rpc/" + url.PathEscape(req.Invocation)
	return httpInvoke(ctx, b.client, http.MethodPost, target, nil, body)
}

// ServerlessBackend invokes a named function in the configured serverless
// namespace. Command.Invocation names the function.
type ServerlessBackend struct {
	BaseURL   string // gateway, e.g. "http://gateway.fn.svc:8080"
	Namespace string
	client    *http.Client
}

// NewServerlessBackend constructs a ServerlessBackend.
func NewServerlessBackend(baseURL, namespace string) *ServerlessBackend {
	return &ServerlessBackend{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		Namespace: namespace,
		client:    newClient(),
	}
}

// Invoke implements Backend.
func (b *ServerlessBackend) Invoke(ctx context.Context, _ string, req Request, body []byte) (string, error) {
	target := b.BaseURL + "/function/" + url.PathEscape(req.Invocation)
	if b.Namespace != "" {
		target += "." + url.PathEscape(b.Namespace)
	}
	return httpInvoke(ctx, b.client, http.MethodPost, target, nil, body)
}

// WebhookBackend posts to an arbitrary configured URL with the command's
// HTTP method. Command.Invocation is the URL.
type WebhookBackend struct {
	Headers map[string]string // static headers added to every call
	client  *http.Client
}

// NewWebhookBackend constructs a WebhookBackend with optional static headers.
func NewWebhookBackend(headers map[string]string) *WebhookBackend {
	return &WebhookBackend{Headers: headers, client: newClient()}
}

// Invoke implements Backend.
func (b *WebhookBackend) Invoke(ctx context.Context, method string, req Request, body []byte) (string, error) {
	if method == "" {
		method = http.MethodPost
	}
	return httpInvoke(ctx, b.client, method, req.Invocation, b.Headers, body)
}
