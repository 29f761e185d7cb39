// Package route holds the endpoint descriptor table: which inbound paths are
// proxied, where they go, and how credentials and bodies are handled.
package route

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strings"
)

// ErrInvalidPath is returned when a wildcard path suffix fails validation.
var ErrInvalidPath = errors.New("invalid path suffix")

// Kind distinguishes constant-target routes from prefix routes.
type Kind int

const (
	Fixed Kind = iota
	Wildcard
)

// CredentialMode selects how server-held credentials reach the upstream.
type CredentialMode int

const (
	CredentialNone CredentialMode = iota
	// CredentialBasic sends Authorization: Basic base64(user:secret).
	CredentialBasic
	// CredentialBearer forwards the caller's Authorization header unchanged.
	CredentialBearer
	// CredentialField injects Field=Value into the query (GET) or body (POST).
	CredentialField
)

func (m CredentialMode) String() string {
	switch m {
	case CredentialNone:
		return "none"
	case CredentialBasic:
		return "basic"
	case CredentialBearer:
		return "bearer"
	case CredentialField:
		return "field"
	default:
		return "unknown"
	}
}

// Encoding selects how a POST body is read from the caller.
type Encoding int

const (
	// EncodingForm reads url-encoded (or multipart) fields.
	EncodingForm Encoding = iota
	// EncodingJSON requires a JSON body.
	EncodingJSON
	// EncodingNegotiate reads JSON when the content type says so, form otherwise.
	EncodingNegotiate
	// EncodingMultipart reads form fields plus an optional file part.
	EncodingMultipart
)

func (e Encoding) String() string {
	switch e {
	case EncodingForm:
		return "form"
	case EncodingJSON:
		return "json"
	case EncodingNegotiate:
		return "negotiate"
	case EncodingMultipart:
		return "multipart"
	default:
		return "unknown"
	}
}

// Credential is the secret material for one route.
type Credential struct {
	Mode   CredentialMode
	User   string // basic
	Secret string // basic
	Field  string // field
	Value  string // field
}

// Configured reports whether the credential has everything its mode needs.
// Bearer credentials come from the caller and are always "configured".
func (c Credential) Configured() bool {
	switch c.Mode {
	case CredentialBasic:
		return c.User != "" && c.Secret != ""
	case CredentialField:
		return c.Field != "" && c.Value != ""
	default:
		return true
	}
}

// BasicAuth returns the Authorization header value for CredentialBasic.
func (c Credential) BasicAuth() string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(c.User+":"+c.Secret))
}

// Descriptor is the static description of one proxied route.
// Descriptors are built once at startup and never mutated.
type Descriptor struct {
	Name       string
	Path       string // echo route pattern; wildcard routes end in "*"
	Kind       Kind
	Target     string
	Methods    []string
	Credential Credential
	Encoding   Encoding

	// StaticForm fields are added to every POST body (credential still wins).
	StaticForm url.Values
	// IgnoreBody discards the inbound body; only StaticForm and the
	// credential are sent.
	IgnoreBody bool
	// StaticQuery fields are added to every GET query.
	StaticQuery url.Values

	RequiredFields  []string
	RequiredMessage string

	// FileField names the multipart file part forwarded for EncodingMultipart.
	FileField string

	ErrorLabel        string
	PassthroughErrors bool
}

// Allows reports whether method is permitted on the route.
func (d *Descriptor) Allows(method string) bool {
	return slices.Contains(d.Methods, method)
}

// MethodMessage is the 405 message for the route.
func (d *Descriptor) MethodMessage() string {
	if len(d.Methods) == 1 && d.Methods[0] == http.MethodPost {
		return "Only POST requests are allowed"
	}
	return "Only GET and POST requests are allowed"
}

// Configured reports whether the route has a target and the credential it needs.
func (d *Descriptor) Configured() bool {
	return d.Target != "" && d.Credential.Configured()
}

// suffixPattern is the character set accepted in a wildcard suffix.
var suffixPattern = regexp.MustCompile(`^[\w\-./~]+$`)

// TargetURL resolves the outbound URL for the route. Fixed routes ignore the
// suffix; wildcard routes append it to the target after validation.
func (d *Descriptor) TargetURL(suffix string) (string, error) {
	if d.Kind == Fixed {
		return d.Target, nil
	}
	if err := validateSuffix(suffix); err != nil {
		return "", err
	}

	base, err := url.Parse(d.Target)
	if err != nil {
		return "", fmt.Errorf("parse target %q: %w", d.Target, err)
	}
	raw := d.Target + suffix
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	if u.Scheme != base.Scheme || u.Host != base.Host || !strings.HasPrefix(u.Path, base.Path) {
		return "", fmt.Errorf("%w: escapes %s", ErrInvalidPath, base.Host)
	}
	return raw, nil
}

func validateSuffix(suffix string) error {
	if suffix == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	decoded, err := url.PathUnescape(suffix)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	if !suffixPattern.MatchString(decoded) {
		return fmt.Errorf("%w: disallowed characters", ErrInvalidPath)
	}
	if strings.HasPrefix(decoded, "/") {
		return fmt.Errorf("%w: absolute path", ErrInvalidPath)
	}
	for seg := range strings.SplitSeq(decoded, "/") {
		if seg == "." || seg == ".." {
			return fmt.Errorf("%w: dot segment", ErrInvalidPath)
		}
	}
	return nil
}
