package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"tessera.dev/internal/auth"
	"tessera.dev/internal/authz"
	"tessera.dev/internal/identity"
	"tessera.dev/internal/mail"
	"tessera.dev/internal/token"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type recordingMailer struct {
	mu   sync.Mutex
	msgs []mail.Message
}

func (r *recordingMailer) Dispatch(_ context.Context, msg mail.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recordingMailer) lastToken(t *testing.T, kind string) string {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.msgs) - 1; i >= 0; i-- {
		if r.msgs[i].Kind != kind {
			continue
		}
		_, after, ok := strings.Cut(r.msgs[i].Body, "token=")
		if !ok {
			break
		}
		return strings.TrimSpace(after)
	}
	t.Fatalf("no %s message sent", kind)
	return ""
}

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
	store   *auth.MemoryStore
	mailer  *recordingMailer
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	tokens, err := token.NewService(testSecret)
	if err != nil {
		t.Fatalf("token service: %v", err)
	}
	store := auth.NewMemoryStore()
	mailer := &recordingMailer{}
	svc, err := auth.NewService(store, tokens, auth.WithMailer(mailer), auth.WithLockout(3, time.Minute))
	if err != nil {
		t.Fatalf("auth service: %v", err)
	}

	api := New("test", "test", ReadyProbe{}, Options{RateBurst: 100, RatePerSecond: 100})
	NewAuthAPI(svc, nil).Register(api.Router())
	NewResourceAPI(authz.NewService(authz.NewMemoryStore())).Register(api.Router())

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{baseURL: srv.URL, client: srv.Client(), t: t, store: store, mailer: mailer}
}

type result struct {
	code   int
	header http.Header
	body   envelopeResult
}

type envelopeResult struct {
	Success   bool            `json:"success"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data"`
	Error     *errorBody      `json:"error"`
	RequestID string          `json:"request_id"`
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) result {
	c.t.Helper()
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.baseURL+path, payload)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	var out result
	out.code = resp.StatusCode
	out.header = resp.Header
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out.body)
	}
	return out
}

func (r result) decode(t *testing.T, dst any) {
	t.Helper()
	if err := json.Unmarshal(r.body.Data, dst); err != nil {
		t.Fatalf("decode data %s: %v", r.body.Data, err)
	}
}

func bearerHeader(tok string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + tok}
}

func asUser(id string) map[string]string {
	h := http.Header{}
	identity.SetHeaders(h, identity.Identity{ID: id, Roles: []string{"USER"}})
	out := map[string]string{}
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func (c *apiClient) registerAndLogin(email string) tokenResponse {
	c.t.Helper()
	res := c.do(http.MethodPost, "/api/auth/register", registerRequest{
		Email: email, Password: "Sup3rSecret!", FirstName: "Ada", LastName: "Lovelace",
	}, nil)
	if res.code != http.StatusCreated {
		c.t.Fatalf("register: %d %+v", res.code, res.body.Error)
	}
	res = c.do(http.MethodPost, "/api/auth/login", loginRequest{Email: email, Password: "Sup3rSecret!"}, nil)
	if res.code != http.StatusOK {
		c.t.Fatalf("login: %d %+v", res.code, res.body.Error)
	}
	var tok tokenResponse
	res.decode(c.t, &tok)
	return tok
}

func TestHealthAndNotFound(t *testing.T) {
	c := newTestAPI(t)

	res := c.do(http.MethodGet, "/api/health", nil, nil)
	if res.code != http.StatusOK {
		t.Fatalf("health: %d", res.code)
	}
	if res.header.Get(HeaderRequestID) == "" {
		t.Fatalf("expected request id header")
	}

	res = c.do(http.MethodGet, "/api/nowhere", nil, nil)
	if res.code != http.StatusNotFound || res.body.Error == nil || res.body.Error.Code != CodeNotFound {
		t.Fatalf("expected not_found envelope, got %d %+v", res.code, res.body)
	}
	if res.body.RequestID == "" {
		t.Fatalf("expected request_id in error envelope")
	}
}

func TestReadyReportsFailingDependency(t *testing.T) {
	api := New("test", "test", ReadyProbe{Deps: map[string]Pinger{
		"db": PingFunc(func(context.Context) error { return io.ErrUnexpectedEOF }),
	}}, Options{})
	rr := httptest.NewRecorder()
	api.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestSessionLifecycle(t *testing.T) {
	c := newTestAPI(t)
	tok := c.registerAndLogin("ada@example.com")
	if tok.TokenType != "Bearer" || tok.User == nil || tok.User.Roles[0] != auth.RoleUser {
		t.Fatalf("unexpected token response %+v", tok)
	}

	res := c.do(http.MethodGet, "/api/auth/me", nil, bearerHeader(tok.AccessToken))
	if res.code != http.StatusOK {
		t.Fatalf("me: %d", res.code)
	}
	var me principalView
	res.decode(t, &me)
	if me.Email != "ada@example.com" || me.EmailVerified {
		t.Fatalf("unexpected profile %+v", me)
	}

	res = c.do(http.MethodGet, "/api/auth/me", nil, bearerHeader(tok.RefreshToken))
	if res.code != http.StatusUnauthorized {
		t.Fatalf("refresh token must not authenticate, got %d", res.code)
	}

	res = c.do(http.MethodPost, "/api/auth/refresh", refreshRequest{RefreshToken: tok.RefreshToken}, nil)
	if res.code != http.StatusOK {
		t.Fatalf("refresh: %d %+v", res.code, res.body.Error)
	}
	var rotated tokenResponse
	res.decode(t, &rotated)

	reuse := c.do(http.MethodPost, "/api/auth/refresh", refreshRequest{RefreshToken: tok.RefreshToken}, nil)
	garbage := c.do(http.MethodPost, "/api/auth/refresh", refreshRequest{RefreshToken: "not-a-token"}, nil)
	for _, r := range []result{reuse, garbage} {
		if r.code != http.StatusUnauthorized || r.body.Error.Message != MsgAuthenticationFailed {
			t.Fatalf("expected uniform 401, got %d %+v", r.code, r.body.Error)
		}
	}

	res = c.do(http.MethodPost, "/api/auth/logout", logoutRequest{}, bearerHeader(rotated.AccessToken))
	if res.code != http.StatusOK {
		t.Fatalf("logout: %d", res.code)
	}
	res = c.do(http.MethodPost, "/api/auth/refresh", refreshRequest{RefreshToken: rotated.RefreshToken}, nil)
	if res.code != http.StatusUnauthorized {
		t.Fatalf("refresh after global logout: %d", res.code)
	}
}

func TestLoginLockout(t *testing.T) {
	c := newTestAPI(t)
	c.registerAndLogin("bob@example.com")

	for i := 0; i < 3; i++ {
		res := c.do(http.MethodPost, "/api/auth/login", loginRequest{Email: "bob@example.com", Password: "wrong"}, nil)
		if res.code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i, res.code)
		}
	}
	res := c.do(http.MethodPost, "/api/auth/login", loginRequest{Email: "bob@example.com", Password: "Sup3rSecret!"}, nil)
	if res.code != http.StatusLocked || res.body.Error.Code != CodeAccountLocked {
		t.Fatalf("expected account_locked, got %d %+v", res.code, res.body.Error)
	}
}

func TestRegisterValidationFields(t *testing.T) {
	c := newTestAPI(t)
	res := c.do(http.MethodPost, "/api/auth/register", registerRequest{Email: "nope", Password: "short"}, nil)
	if res.code != http.StatusBadRequest || res.body.Error.Code != CodeValidationFailed {
		t.Fatalf("expected validation_failed, got %d %+v", res.code, res.body.Error)
	}
	if res.body.Error.Fields["email"] == "" || res.body.Error.Fields["password"] == "" {
		t.Fatalf("expected per-field errors, got %+v", res.body.Error.Fields)
	}

	res = c.do(http.MethodPost, "/api/auth/login", map[string]string{"email": "x", "unexpected": "y"}, nil)
	if res.code != http.StatusBadRequest {
		t.Fatalf("unknown fields must be rejected, got %d", res.code)
	}
}

func TestPasswordResetFlow(t *testing.T) {
	c := newTestAPI(t)
	c.registerAndLogin("carol@example.com")

	known := c.do(http.MethodPost, "/api/auth/forgot-password", forgotPasswordRequest{Email: "carol@example.com"}, nil)
	unknown := c.do(http.MethodPost, "/api/auth/forgot-password", forgotPasswordRequest{Email: "ghost@example.com"}, nil)
	if known.code != http.StatusOK || unknown.code != http.StatusOK || known.body.Message != unknown.body.Message {
		t.Fatalf("forgot-password must be uniform: %+v vs %+v", known.body, unknown.body)
	}

	raw := c.mailer.lastToken(t, "password_reset")
	res := c.do(http.MethodPost, "/api/auth/reset-password", resetPasswordRequest{Token: raw, NewPassword: "An0ther$ecret"}, nil)
	if res.code != http.StatusOK {
		t.Fatalf("reset: %d %+v", res.code, res.body.Error)
	}
	res = c.do(http.MethodPost, "/api/auth/reset-password", resetPasswordRequest{Token: raw, NewPassword: "An0ther$ecret"}, nil)
	if res.code != http.StatusUnauthorized {
		t.Fatalf("reused reset token: %d", res.code)
	}
	res = c.do(http.MethodPost, "/api/auth/login", loginRequest{Email: "carol@example.com", Password: "An0ther$ecret"}, nil)
	if res.code != http.StatusOK {
		t.Fatalf("login with new password: %d", res.code)
	}
}

func TestVerifyEmailAndResend(t *testing.T) {
	c := newTestAPI(t)
	tok := c.registerAndLogin("dan@example.com")

	res := c.do(http.MethodPost, "/api/auth/resend-verification", nil, bearerHeader(tok.AccessToken))
	if res.code != http.StatusOK {
		t.Fatalf("resend: %d %+v", res.code, res.body.Error)
	}
	raw := c.mailer.lastToken(t, "verify_email")
	res = c.do(http.MethodGet, "/api/auth/verify-email?token="+raw, nil, nil)
	if res.code != http.StatusOK {
		t.Fatalf("verify: %d %+v", res.code, res.body.Error)
	}
	res = c.do(http.MethodPost, "/api/auth/resend-verification", nil, bearerHeader(tok.AccessToken))
	if res.code != http.StatusBadRequest {
		t.Fatalf("resend after verification: %d", res.code)
	}
}

func TestRoleAdministrationRequiresAdmin(t *testing.T) {
	c := newTestAPI(t)
	user := c.registerAndLogin("eve@example.com")

	res := c.do(http.MethodGet, "/api/roles", nil, bearerHeader(user.AccessToken))
	if res.code != http.StatusOK {
		t.Fatalf("catalog: %d", res.code)
	}
	res = c.do(http.MethodPost, "/api/roles/users/"+user.User.ID+"/ADMIN", nil, bearerHeader(user.AccessToken))
	if res.code != http.StatusForbidden {
		t.Fatalf("USER must not assign roles, got %d", res.code)
	}

	admin := c.registerAndLogin("root@example.com")
	ctx := context.Background()
	if err := c.store.Principals(ctx).AddRole(ctx, admin.User.ID, auth.RoleAdmin); err != nil {
		t.Fatalf("seed admin: %v", err)
	}
	res = c.do(http.MethodPost, "/api/auth/login", loginRequest{Email: "root@example.com", Password: "Sup3rSecret!"}, nil)
	res.decode(t, &admin)

	res = c.do(http.MethodPost, "/api/roles/users/"+user.User.ID+"/ADMIN", nil, bearerHeader(admin.AccessToken))
	if res.code != http.StatusOK {
		t.Fatalf("assign: %d %+v", res.code, res.body.Error)
	}
	res = c.do(http.MethodPut, "/api/roles/users/"+user.User.ID, setRolesRequest{Roles: nil}, bearerHeader(admin.AccessToken))
	if res.code != http.StatusBadRequest {
		t.Fatalf("empty role set must be refused, got %d", res.code)
	}
}

func TestResourceEndpoints(t *testing.T) {
	c := newTestAPI(t)

	res := c.do(http.MethodGet, "/api/workspaces", nil, nil)
	if res.code != http.StatusUnauthorized {
		t.Fatalf("missing identity: %d", res.code)
	}

	res = c.do(http.MethodPost, "/api/workspaces", authz.CreateWorkspaceInput{Name: "Acme", Slug: "acme"}, asUser("owner"))
	if res.code != http.StatusCreated {
		t.Fatalf("create workspace: %d %+v", res.code, res.body.Error)
	}
	var ws authz.Workspace
	res.decode(t, &ws)

	res = c.do(http.MethodGet, "/api/workspaces/"+ws.ID, nil, asUser("stranger"))
	if res.code != http.StatusForbidden || res.body.Error.Code != CodeAccessDenied {
		t.Fatalf("stranger: %d %+v", res.code, res.body.Error)
	}

	res = c.do(http.MethodPost, "/api/workspaces/"+ws.ID+"/members", authz.AddMemberInput{PrincipalID: "viewer", Role: "VIEWER"}, asUser("owner"))
	if res.code != http.StatusCreated {
		t.Fatalf("add member: %d %+v", res.code, res.body.Error)
	}
	res = c.do(http.MethodPost, "/api/projects", authz.CreateProjectInput{WorkspaceID: ws.ID, Name: "Core", Key: "core"}, asUser("viewer"))
	if res.code != http.StatusForbidden {
		t.Fatalf("viewer create project: %d", res.code)
	}
	res = c.do(http.MethodPost, "/api/projects", authz.CreateProjectInput{WorkspaceID: ws.ID, Name: "Core", Key: "core"}, asUser("owner"))
	if res.code != http.StatusCreated {
		t.Fatalf("create project: %d %+v", res.code, res.body.Error)
	}
	var proj authz.Project
	res.decode(t, &proj)

	res = c.do(http.MethodGet, "/api/workspaces/"+ws.ID+"/projects", nil, asUser("viewer"))
	var listed []authz.Project
	res.decode(t, &listed)
	if len(listed) != 1 || listed[0].Key != "CORE" {
		t.Fatalf("unexpected project list %+v", listed)
	}

	res = c.do(http.MethodDelete, "/api/projects/"+proj.ID+"/members/owner", nil, asUser("owner"))
	if res.code != http.StatusForbidden {
		t.Fatalf("sole owner removal: %d", res.code)
	}
	res = c.do(http.MethodDelete, "/api/workspaces/"+ws.ID, nil, asUser("owner"))
	if res.code != http.StatusOK {
		t.Fatalf("delete workspace: %d", res.code)
	}
}
