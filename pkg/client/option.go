package client

import (
	"go.uber.org/zap"
	"net/http"
)

type Option func(*Client)

func WithLogger(logger *zap.Logger) Option {
	return func(client *Client) {
		client.logger = logger
	}
}

// WithKey sets the authentication key passed to the server in the "key" query parameter.
func WithKey(key string) Option {
	return func(client *Client) {
		client.key = key
	}
}

// WithHTTPHeader adds headers (e.g. Origin) to the WebSocket handshake.
func WithHTTPHeader(header http.Header) Option {
	return func(client *Client) {
		client.header = header
	}
}
