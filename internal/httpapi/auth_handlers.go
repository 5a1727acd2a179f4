package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"tessera.dev/internal/auth"
)

// OIDCFlow is the optional external login.
type OIDCFlow interface {
	Provider() string
	AuthorizeURL(ctx context.Context) (string, error)
	Callback(ctx context.Context, state, code string) (auth.Session, error)
}

// AuthAPI serves the issuing service's account and session endpoints.
type AuthAPI struct {
	svc  *auth.Service
	oidc OIDCFlow
}

func NewAuthAPI(svc *auth.Service, oidc OIDCFlow) *AuthAPI {
	return &AuthAPI{svc: svc, oidc: oidc}
}

// Register mounts the routes on r.
func (a *AuthAPI) Register(r *mux.Router) {
	pub := r.PathPrefix("/api/auth").Subrouter()
	pub.HandleFunc("/register", a.handleRegister).Methods(http.MethodPost)
	pub.HandleFunc("/login", a.handleLogin).Methods(http.MethodPost)
	pub.HandleFunc("/refresh", a.handleRefresh).Methods(http.MethodPost)
	pub.HandleFunc("/forgot-password", a.handleForgotPassword).Methods(http.MethodPost)
	pub.HandleFunc("/reset-password", a.handleResetPassword).Methods(http.MethodPost)
	pub.HandleFunc("/verify-email", a.handleVerifyEmail).Methods(http.MethodPost, http.MethodGet)
	pub.HandleFunc("/oauth2/authorize", a.handleOAuthAuthorize).Methods(http.MethodGet)
	pub.HandleFunc("/oauth2/callback", a.handleOAuthCallback).Methods(http.MethodGet)

	private := r.PathPrefix("/api/auth").Subrouter()
	private.Use(mux.MiddlewareFunc(RequireBearer(a.svc)))
	private.HandleFunc("/logout", a.handleLogout).Methods(http.MethodPost)
	private.HandleFunc("/me", a.handleMe).Methods(http.MethodGet)
	private.HandleFunc("/me", a.handleUpdateMe).Methods(http.MethodPut)
	private.HandleFunc("/resend-verification", a.handleResendVerification).Methods(http.MethodPost)

	roles := r.PathPrefix("/api/roles").Subrouter()
	roles.Use(mux.MiddlewareFunc(RequireBearer(a.svc)))
	roles.HandleFunc("", a.handleRoleCatalog).Methods(http.MethodGet)
	admin := roles.PathPrefix("/users/{id}").Subrouter()
	admin.Use(mux.MiddlewareFunc(RequireRole(auth.RoleAdmin, auth.RoleSuperAdmin)))
	admin.HandleFunc("", a.handlePrincipalRoles).Methods(http.MethodGet)
	admin.HandleFunc("", a.handleSetRoles).Methods(http.MethodPut)
	admin.HandleFunc("/{role}", a.handleAssignRole).Methods(http.MethodPost)
	admin.HandleFunc("/{role}", a.handleRemoveRole).Methods(http.MethodDelete)
}

type principalView struct {
	ID            string         `json:"id"`
	Email         string         `json:"email"`
	FirstName     string         `json:"firstName"`
	LastName      string         `json:"lastName"`
	AvatarURL     string         `json:"avatarUrl,omitempty"`
	Preferences   map[string]any `json:"preferences,omitempty"`
	EmailVerified bool           `json:"emailVerified"`
	Roles         []string       `json:"roles"`
	LastLoginAt   *time.Time     `json:"lastLoginAt,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
}

func viewPrincipal(p *auth.Principal) principalView {
	return principalView{
		ID:            p.ID,
		Email:         p.Email,
		FirstName:     p.FirstName,
		LastName:      p.LastName,
		AvatarURL:     p.AvatarURL,
		Preferences:   p.Preferences,
		EmailVerified: p.EmailVerified,
		Roles:         p.Roles,
		LastLoginAt:   p.LastLoginAt,
		CreatedAt:     p.CreatedAt,
	}
}

type tokenResponse struct {
	AccessToken  string         `json:"accessToken"`
	RefreshToken string         `json:"refreshToken"`
	TokenType    string         `json:"tokenType"`
	ExpiresIn    int64          `json:"expiresIn"`
	User         *principalView `json:"user,omitempty"`
}

func viewTokens(pair auth.TokenPair, p *auth.Principal) tokenResponse {
	out := tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    pair.TokenType,
		ExpiresIn:    pair.ExpiresIn,
	}
	if p != nil {
		v := viewPrincipal(p)
		out.User = &v
	}
	return out
}

type registerRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

func (a *AuthAPI) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	p, err := a.svc.Register(r.Context(), auth.RegisterInput{
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusCreated, "Registration successful, check your email to verify the account", viewPrincipal(p))
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (a *AuthAPI) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sess, err := a.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, "Login successful", viewTokens(sess.TokenPair, sess.Principal))
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (a *AuthAPI) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeBody(w, r, &req) {
		return
	}
	pair, err := a.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, "Token refreshed", viewTokens(pair, nil))
}

type logoutRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (a *AuthAPI) handleLogout(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFrom(r)
	var req logoutRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	if err := a.svc.Logout(r.Context(), caller.ID, req.RefreshToken); err != nil {
		handleError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, "Logged out", nil)
}

func (a *AuthAPI) handleMe(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFrom(r)
	p, err := a.svc.Profile(r.Context(), caller.ID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, "", viewPrincipal(p))
}

type updateProfileRequest struct {
	FirstName   *string        `json:"firstName"`
	LastName    *string        `json:"lastName"`
	AvatarURL   *string        `json:"avatarUrl"`
	Preferences map[string]any `json:"preferences"`
}

func (a *AuthAPI) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFrom(r)
	var req updateProfileRequest
	if !decodeBody(w, r, &req) {
		return
	}
	p, err := a.svc.UpdateProfile(r.Context(), caller.ID, auth.ProfileUpdate{
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		AvatarURL:   req.AvatarURL,
		Preferences: req.Preferences,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, "Profile updated", viewPrincipal(p))
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

func (a *AuthAPI) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if !decodeBody(w, r, &req) {
		return
	}
	msg, err := a.svc.ForgotPassword(r.Context(), req.Email)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, msg, nil)
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}

func (a *AuthAPI) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := a.svc.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
		handleError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, "Password has been reset", nil)
}

type verifyEmailRequest struct {
	Token string `json:"token"`
}

func (a *AuthAPI) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req verifyEmailRequest
	if r.Method == http.MethodGet {
		req.Token = r.URL.Query().Get("token")
	} else if !decodeBody(w, r, &req) {
		return
	}
	if err := a.svc.VerifyEmail(r.Context(), req.Token); err != nil {
		handleError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, "Email verified", nil)
}

func (a *AuthAPI) handleResendVerification(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFrom(r)
	if err := a.svc.ResendVerification(r.Context(), caller.ID); err != nil {
		handleError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, "Verification email sent", nil)
}

func (a *AuthAPI) handleOAuthAuthorize(w http.ResponseWriter, r *http.Request) {
	if a.oidc == nil {
		WriteError(w, r, http.StatusNotFound, CodeNotFound, "external login is not configured")
		return
	}
	target, err := a.oidc.AuthorizeURL(r.Context())
	if err != nil {
		handleError(w, r, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (a *AuthAPI) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if a.oidc == nil {
		WriteError(w, r, http.StatusNotFound, CodeNotFound, "external login is not configured")
		return
	}
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		WriteUnauthorized(w, r)
		return
	}
	sess, err := a.oidc.Callback(r.Context(), q.Get("state"), q.Get("code"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, "Login successful", viewTokens(sess.TokenPair, sess.Principal))
}

func (a *AuthAPI) handleRoleCatalog(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, r, http.StatusOK, "", a.svc.RoleCatalog())
}

func (a *AuthAPI) handlePrincipalRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := a.svc.PrincipalRoles(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, "", roles)
}

type setRolesRequest struct {
	Roles []string `json:"roles"`
}

func (a *AuthAPI) handleSetRoles(w http.ResponseWriter, r *http.Request) {
	var req setRolesRequest
	if !decodeBody(w, r, &req) {
		return
	}
	p, err := a.svc.SetRoles(r.Context(), mux.Vars(r)["id"], req.Roles)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, "Roles updated", p.Roles)
}

func (a *AuthAPI) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p, err := a.svc.AssignRole(r.Context(), vars["id"], vars["role"])
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, "Role assigned", p.Roles)
}

func (a *AuthAPI) handleRemoveRole(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p, err := a.svc.RemoveRole(r.Context(), vars["id"], vars["role"])
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, "Role removed", p.Roles)
}
