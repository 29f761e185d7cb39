package route

import (
	"net/http"
	"net/url"
	"strings"

	"fatsecret-proxy-go/internal/config"
)

// Route names, also used as metric labels and in upstream.passthrough_error_routes.
const (
	Token         = "token"
	Signup        = "signup"
	LoginEmail    = "login_email"
	LoginMemberID = "login_memberid"
	Profile       = "profile"
	Gatekeeper    = "gatekeeper"
	GymMasterAPI  = "gymmaster_api"
	FatSecretAPI  = "fatsecret_api"
)

const (
	apiKeyField     = "api_key"
	memberPhotoFile = "memberphoto"

	fatSecretErrorLabel  = "FatSecret API Error"
	gymMasterErrorLabel  = "GymMaster API Error"
	gatekeeperErrorLabel = "GymMaster GateKeeper API Error"
)

var (
	postOnly   = []string{http.MethodPost}
	getAndPost = []string{http.MethodGet, http.MethodPost}
)

// Table is the ordered set of route descriptors.
type Table struct {
	routes []*Descriptor
}

// Build constructs the descriptor table from configuration. Fixed routes are
// listed before wildcards; precedence between them is left to the echo router,
// which prefers static paths over wildcards.
func Build(cfg *config.Config) *Table {
	fs := cfg.FatSecret
	gm := cfg.GymMaster
	memberKey := Credential{Mode: CredentialField, Field: apiKeyField, Value: gm.MemberAPIKey}

	routes := []*Descriptor{
		{
			Name:       Token,
			Path:       "/auth/token/",
			Kind:       Fixed,
			Target:     fs.OAuthURL,
			Methods:    postOnly,
			Credential: Credential{Mode: CredentialBasic, User: fs.ClientID, Secret: fs.ClientSecret},
			Encoding:   EncodingForm,
			IgnoreBody: true,
			StaticForm: url.Values{
				"grant_type": {"client_credentials"},
				"scope":      {fs.Scope},
			},
			ErrorLabel: "FatSecret OAuth Error",
		},
		{
			Name:       Signup,
			Path:       "/gymmaster/signup/",
			Kind:       Fixed,
			Target:     joinURL(gm.PortalBaseURL, "signup"),
			Methods:    postOnly,
			Credential: memberKey,
			Encoding:   EncodingMultipart,
			FileField:  memberPhotoFile,
			ErrorLabel: gymMasterErrorLabel,
		},
		{
			Name:            LoginEmail,
			Path:            "/gymmaster/login/email/",
			Kind:            Fixed,
			Target:          joinURL(gm.PortalBaseURL, "login"),
			Methods:         postOnly,
			Credential:      memberKey,
			Encoding:        EncodingForm,
			RequiredFields:  []string{"email", "password"},
			RequiredMessage: "Email and Password are required",
			ErrorLabel:      gymMasterErrorLabel,
		},
		{
			Name:            LoginMemberID,
			Path:            "/gymmaster/login/memberid/",
			Kind:            Fixed,
			Target:          joinURL(gm.PortalBaseURL, "login"),
			Methods:         postOnly,
			Credential:      Credential{Mode: CredentialField, Field: apiKeyField, Value: gm.StaffAPIKey},
			Encoding:        EncodingForm,
			RequiredFields:  []string{"memberid"},
			RequiredMessage: "Member ID is required",
			ErrorLabel:      gymMasterErrorLabel,
		},
		{
			Name:       Profile,
			Path:       "/gymmaster/profile/",
			Kind:       Fixed,
			Target:     joinURL(gm.PortalBaseURL, "member/profile"),
			Methods:    postOnly,
			Credential: memberKey,
			Encoding:   EncodingMultipart,
			FileField:  memberPhotoFile,
			ErrorLabel: gymMasterErrorLabel,
		},
		{
			Name:       Gatekeeper,
			Path:       "/gymmaster/gatekeeper/*",
			Kind:       Wildcard,
			Target:     gm.GatekeeperBaseURL,
			Methods:    getAndPost,
			Credential: Credential{Mode: CredentialBasic, User: gm.SiteName, Secret: gm.GatekeeperAPIKey},
			Encoding:   EncodingJSON,
			ErrorLabel: gatekeeperErrorLabel,
		},
		{
			Name:       GymMasterAPI,
			Path:       "/gymmaster/*",
			Kind:       Wildcard,
			Target:     gm.PortalBaseURL,
			Methods:    getAndPost,
			Credential: memberKey,
			Encoding:   EncodingNegotiate,
			ErrorLabel: gymMasterErrorLabel,
		},
		{
			Name:        FatSecretAPI,
			Path:        "/fatsecret/*",
			Kind:        Wildcard,
			Target:      fs.APIBaseURL,
			Methods:     getAndPost,
			Credential:  Credential{Mode: CredentialBearer},
			Encoding:    EncodingJSON,
			StaticQuery: url.Values{"format": {"json"}},
			ErrorLabel:  fatSecretErrorLabel,
		},
	}

	t := &Table{routes: make([]*Descriptor, 0, len(routes))}
	for _, d := range routes {
		d.PassthroughErrors = cfg.Upstream.PassthroughErrors(d.Name)
		t.routes = append(t.routes, d)
	}
	return t
}

// Descriptors returns the routes in registration order.
func (t *Table) Descriptors() []*Descriptor {
	return t.routes
}

// joinURL appends p to base, or returns "" when base is unset.
func joinURL(base, p string) string {
	if base == "" {
		return ""
	}
	return strings.TrimRight(base, "/") + "/" + p
}
