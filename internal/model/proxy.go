// Package model defines shared types for the proxy.
package model

import (
	"context"
	"net/url"
)

// ProxyRequest represents a client request to be forwarded upstream.
type ProxyRequest struct {
	Ctx           context.Context
	Method        string
	Suffix        string // wildcard remainder of the inbound path, empty for fixed routes
	ContentType   string
	Authorization string
	Query         url.Values
	Body          []byte
}

// ProxyResponse is a fully read upstream response.
type ProxyResponse struct {
	StatusCode  int
	ContentType string
	Body        []byte
}
