// Package service implements the request transformer and response
// classification behind every proxied route.
package service

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"fatsecret-proxy-go/internal/client"
	"fatsecret-proxy-go/internal/model"
	"fatsecret-proxy-go/internal/route"
)

// allowedUpstreamDomains restricts which hosts the proxy will forward to.
var allowedUpstreamDomains = []string{
	"fatsecret.com",
	"gymmasteronline.com",
}

const userAgent = "fatsecret-proxy-go/1.0"

// ProxyService builds outbound requests from route descriptors and
// classifies what comes back.
type ProxyService struct {
	client *client.UpstreamClient
	table  *route.Table
	logger *slog.Logger
}

// NewProxyService creates a ProxyService. Every configured route target must
// be on an allowed upstream domain.
func NewProxyService(c *client.UpstreamClient, table *route.Table, logger *slog.Logger) (*ProxyService, error) {
	for _, d := range table.Descriptors() {
		if d.Target == "" {
			continue
		}
		u, err := url.Parse(d.Target)
		if err != nil {
			return nil, fmt.Errorf("route %s: parse target: %w", d.Name, err)
		}
		if !allowedHost(u.Hostname()) {
			return nil, fmt.Errorf("route %s: upstream host %q is not in the allowlist", d.Name, u.Hostname())
		}
	}

	return NewProxyServiceForTest(c, table, logger), nil
}

// NewProxyServiceForTest creates a ProxyService without host allowlist validation.
// This is intended only for tests that use httptest servers on localhost.
func NewProxyServiceForTest(c *client.UpstreamClient, table *route.Table, logger *slog.Logger) *ProxyService {
	return &ProxyService{
		client: c,
		table:  table,
		logger: logger.With("component", "proxy_service"),
	}
}

func allowedHost(host string) bool {
	for _, domain := range allowedUpstreamDomains {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

// Forward builds the outbound request for d, sends it, and returns the
// upstream response when it is a 200 with a JSON body. Every other outcome
// is a *ProxyError. Exactly one upstream call is made per Forward.
func (s *ProxyService) Forward(d *route.Descriptor, pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	req, err := s.Build(d, pr)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(d.Name, req)
	if err != nil {
		if errors.Is(err, client.ErrResponseTooLarge) {
			return nil, badUpstreamResponse(nil, err)
		}
		return nil, unreachable(transportDetails(err), err)
	}

	s.logger.Debug("upstream response",
		"route", d.Name,
		"status", resp.StatusCode,
		"body", logBody(string(resp.Body)),
	)

	if resp.StatusCode != http.StatusOK {
		s.logger.Error("upstream API error", "route", d.Name, "status", resp.StatusCode)
		return nil, upstreamError(d.ErrorLabel, resp, d.PassthroughErrors)
	}
	if !json.Valid(resp.Body) {
		return nil, badUpstreamResponse(resp, errors.New("upstream body is not valid JSON"))
	}
	return resp, nil
}

// Build transforms an inbound request into the outbound request for d.
// Validation failures are returned as *ProxyError before anything is sent.
func (s *ProxyService) Build(d *route.Descriptor, pr *model.ProxyRequest) (*http.Request, error) {
	if !d.Allows(pr.Method) {
		return nil, methodNotAllowed(d.MethodMessage())
	}
	if !d.Configured() {
		return nil, misconfigured(fmt.Errorf("route %s has no target or credential configured", d.Name))
	}

	header := make(http.Header)
	header.Set("Accept", contentTypeJSON)
	header.Set("User-Agent", userAgent)

	cred := d.Credential
	switch cred.Mode {
	case route.CredentialBasic:
		header.Set("Authorization", cred.BasicAuth())
	case route.CredentialBearer:
		if pr.Authorization == "" {
			return nil, missingCredential()
		}
		if !validBearer(pr.Authorization) {
			return nil, invalidAuthorization()
		}
		header.Set("Authorization", pr.Authorization)
	}

	target, err := d.TargetURL(pr.Suffix)
	if err != nil {
		if errors.Is(err, route.ErrInvalidPath) {
			return nil, invalidPath(err)
		}
		return nil, internalError(err)
	}

	var (
		body    io.Reader = http.NoBody
		logText string
	)
	switch pr.Method {
	case http.MethodGet:
		target, err = withQuery(target, d, pr.Query)
		if err != nil {
			return nil, internalError(err)
		}
	case http.MethodPost:
		enc, err := s.encodeBody(d, pr)
		if err != nil {
			return nil, err
		}
		header.Set("Content-Type", enc.contentType)
		body = bytes.NewReader(enc.data)
		logText = enc.logSummary
	}

	req, err := http.NewRequestWithContext(pr.Ctx, pr.Method, target, body)
	if err != nil {
		return nil, internalError(fmt.Errorf("build upstream request: %w", err))
	}
	req.Header = header

	s.logger.Debug("forwarding request",
		"route", d.Name,
		"method", pr.Method,
		"url", redactText(target),
		"headers", redactHeader(header),
		"body", logBody(logText),
	)
	return req, nil
}

// withQuery copies the caller's query (last value per key), adds the
// route's static query, and injects a field credential over both.
func withQuery(target string, d *route.Descriptor, query url.Values) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("parse target: %w", err)
	}
	q := lastValues(u.Query())
	for k, v := range lastValues(query) {
		q[k] = v
	}
	for k := range d.StaticQuery {
		q.Set(k, d.StaticQuery.Get(k))
	}
	if d.Credential.Mode == route.CredentialField {
		q.Set(d.Credential.Field, d.Credential.Value)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// encodeBody decodes the inbound body and re-encodes it for the upstream
// with static fields and any field credential merged in.
func (s *ProxyService) encodeBody(d *route.Descriptor, pr *model.ProxyRequest) (encodedBody, error) {
	decoded := model.Body{Type: model.EmptyBody}
	if !d.IgnoreBody {
		var err error
		decoded, err = DecodeBody(pr.ContentType, pr.Body, d.Encoding, d.FileField)
		if err != nil {
			var pe *ProxyError
			if errors.As(err, &pe) {
				s.logger.Warn("rejected request body", "route", d.Name, "err", pe.Message)
			}
			return encodedBody{}, err
		}
	}

	extra := make(url.Values)
	for k := range d.StaticForm {
		extra.Set(k, d.StaticForm.Get(k))
	}
	if d.Credential.Mode == route.CredentialField {
		extra.Set(d.Credential.Field, d.Credential.Value)
	}

	// Negotiated and JSON routes keep JSON bodies as JSON.
	if decoded.Type == model.JSONBody && (d.Encoding == route.EncodingJSON || d.Encoding == route.EncodingNegotiate) {
		enc, err := encodeJSON(decoded.JSON, extra)
		if errors.Is(err, errNotObject) {
			return encodedBody{}, invalidBody(errNotObject.Error(), err)
		}
		return enc, err
	}

	var fields url.Values
	switch decoded.Type {
	case model.JSONBody:
		var err error
		fields, err = jsonFields(decoded.JSON)
		if err != nil {
			return encodedBody{}, invalidBody(errNotObject.Error(), err)
		}
	case model.FormBody, model.MultipartBody:
		fields = lastValues(decoded.Fields)
	case model.EmptyBody:
		fields = make(url.Values)
	}

	if err := checkRequired(d, fields); err != nil {
		return encodedBody{}, err
	}
	for k := range extra {
		fields.Set(k, extra.Get(k))
	}
	return encodeForm(fields, decoded.File)
}

// checkRequired enforces the route's required form fields.
func checkRequired(d *route.Descriptor, fields url.Values) error {
	for _, f := range d.RequiredFields {
		if fields.Get(f) == "" {
			return invalidBody(d.RequiredMessage, nil)
		}
	}
	return nil
}

// validBearer reports whether v looks like "Bearer <token>".
func validBearer(v string) bool {
	scheme, token, ok := strings.Cut(strings.TrimSpace(v), " ")
	return ok && strings.EqualFold(scheme, "Bearer") && strings.TrimSpace(token) != ""
}

// transportDetails renders a transport failure for the error envelope with
// credentials removed. Timeouts are prefixed so callers can tell them apart.
func transportDetails(err error) string {
	details := sanitizeError(err)
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return "timeout: " + details
	}
	return details
}
