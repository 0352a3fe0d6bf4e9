// Package port exposes the authentication core over HTTP. Handlers
// stay thin: bind the request, delegate to the app layer, translate
// the domain error at the boundary. Nothing here inspects codes or
// tokens beyond carrying them.
package port

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aelexs/phone-auth-service/internal/domain"
	"github.com/aelexs/phone-auth-service/internal/errmap"
	"github.com/aelexs/phone-auth-service/internal/phoneauth/app"
)

// deviceFingerprintHeader binds refresh tokens to a client device
// (ADR-004 §3). Optional; absence skips device binding.
const deviceFingerprintHeader = "X-Device-Fingerprint"

// deviceInfoHeader carries a client-reported device label into audit
// events.
const deviceInfoHeader = "X-Device-Info"

// authService is the narrow consumer-defined interface for the auth
// operations the public handler requires. *app.AuthService satisfies it.
type authService interface {
	SendCode(ctx context.Context, rawPhone string, meta app.RequestMeta) (*app.SendCodeResult, error)
	VerifyCode(ctx context.Context, rawPhone, code, deviceFP string, meta app.RequestMeta) (*app.VerifyCodeResult, error)
	CodeStatus(ctx context.Context, rawPhone string) (*app.OTPStatus, error)
	RefreshTokens(ctx context.Context, rawRefresh, deviceFP string, meta app.RequestMeta) (*app.TokenPair, error)
	Logout(ctx context.Context, accessToken, deviceFP string, meta app.RequestMeta) error
	VerifyAccessToken(ctx context.Context, token string) (*app.VerifiedToken, error)
	SelectUserType(ctx context.Context, userID domain.UserID, userType domain.UserType) (*domain.User, error)
	GetUser(ctx context.Context, userID domain.UserID) (*domain.User, error)
}

// adminService is the slice of the auth service the internal surface
// uses.
type adminService interface {
	PhoneRateStatus(ctx context.Context, rawPhone string) (*domain.RateLimitStatus, error)
	IPRateStatus(ctx context.Context, ip string) (*domain.RateLimitStatus, error)
	ResetPhoneLimits(ctx context.Context, rawPhone string) error
	ResetIPLimits(ctx context.Context, ip string) error
	DetectAttacks(ctx context.Context) (*domain.DetectionResult, error)
	AnalyzeTrends(ctx context.Context, hours int) (*domain.TrendReport, error)
}

// AuthHandler serves the public authentication endpoints.
type AuthHandler struct {
	svc authService
}

// NewAuthHandler creates an AuthHandler backed by the given AuthService.
func NewAuthHandler(svc *app.AuthService) *AuthHandler {
	return &AuthHandler{svc: svc}
}

// AdminHandler serves the internal operational endpoints.
type AdminHandler struct {
	svc adminService
}

// NewAdminHandler creates an AdminHandler backed by the given AuthService.
func NewAdminHandler(svc *app.AuthService) *AdminHandler {
	return &AdminHandler{svc: svc}
}

// Routes mounts the public and internal surfaces on the engine. The
// public group sits behind the per-IP API budget; the /internal group
// is operator tooling and deployments keep it off the public edge.
func Routes(r *gin.Engine, h *AuthHandler, admin *AdminHandler, limiter APILimiter) {
	v1 := r.Group("/api/v1/auth")
	v1.Use(APIRateLimit(limiter))

	v1.POST("/code/send", h.SendCode)
	v1.POST("/code/verify", h.VerifyCode)
	v1.GET("/code/status", h.CodeStatus)
	v1.POST("/token/refresh", h.Refresh)
	v1.POST("/logout", h.Logout)

	authed := v1.Group("")
	authed.Use(RequireAuth(h.svc))
	authed.GET("/me", h.Me)
	authed.POST("/user-type", h.SelectUserType)

	rl := r.Group("/internal/ratelimit")
	rl.GET("/phone/:phone", admin.PhoneStatus)
	rl.POST("/phone/:phone/reset", admin.ResetPhone)
	rl.GET("/ip/:ip", admin.IPStatus)
	rl.POST("/ip/:ip/reset", admin.ResetIP)

	atk := r.Group("/internal/attack")
	atk.GET("/detect", admin.Detect)
	atk.GET("/trends", admin.Trends)
}

type sendCodeRequest struct {
	PhoneNumber string `json:"phone_number"`
}

type sendCodeResponse struct {
	SessionID    string    `json:"session_id"`
	ExpiresAt    time.Time `json:"expires_at"`
	NextResendAt time.Time `json:"next_resend_at"`
}

// SendCode dispatches a verification code to the submitted number.
func (h *AuthHandler) SendCode(c *gin.Context) {
	var req sendCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, domain.ErrInvalidInput)
		return
	}

	result, err := h.svc.SendCode(c.Request.Context(), req.PhoneNumber, requestMeta(c))
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, sendCodeResponse{
		SessionID:    result.SessionID,
		ExpiresAt:    result.ExpiresAt,
		NextResendAt: result.NextResendAt,
	})
}

type verifyCodeRequest struct {
	PhoneNumber string `json:"phone_number"`
	Code        string `json:"code"`
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int    `json:"expires_in"`
	RefreshExpiresIn int    `json:"refresh_expires_in"`
}

func toTokenResponse(pair *app.TokenPair) tokenResponse {
	return tokenResponse{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		TokenType:        "Bearer",
		ExpiresIn:        int(pair.ExpiresIn.Seconds()),
		RefreshExpiresIn: int(pair.RefreshExpiresIn.Seconds()),
	}
}

type verifyCodeResponse struct {
	UserID    string        `json:"user_id"`
	UserType  string        `json:"user_type,omitempty"`
	IsNewUser bool          `json:"is_new_user"`
	Tokens    tokenResponse `json:"tokens"`
}

// VerifyCode checks a submitted code and completes the login.
func (h *AuthHandler) VerifyCode(c *gin.Context) {
	var req verifyCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, domain.ErrInvalidInput)
		return
	}

	result, err := h.svc.VerifyCode(c.Request.Context(), req.PhoneNumber, req.Code,
		c.GetHeader(deviceFingerprintHeader), requestMeta(c))
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, verifyCodeResponse{
		UserID:    result.UserID,
		UserType:  string(result.UserType),
		IsNewUser: result.IsNewUser,
		Tokens:    toTokenResponse(&result.Tokens),
	})
}

type codeStatusResponse struct {
	Exists       bool   `json:"exists"`
	ExpiresIn    int    `json:"expires_in"`
	AttemptsUsed uint32 `json:"attempts_used"`
	MaxAttempts  uint32 `json:"max_attempts"`
}

// CodeStatus reports whether a live code exists for the number. Drives
// resend UX; the code itself is never exposed.
func (h *AuthHandler) CodeStatus(c *gin.Context) {
	status, err := h.svc.CodeStatus(c.Request.Context(), c.Query("phone"))
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, codeStatusResponse{
		Exists:       status.Exists,
		ExpiresIn:    int(status.TTL.Seconds()),
		AttemptsUsed: status.AttemptsUsed,
		MaxAttempts:  status.MaxAttempts,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh rotates a refresh token and mints a fresh pair.
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, domain.ErrInvalidInput)
		return
	}

	pair, err := h.svc.RefreshTokens(c.Request.Context(), req.RefreshToken,
		c.GetHeader(deviceFingerprintHeader), requestMeta(c))
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, toTokenResponse(pair))
}

// Logout invalidates the presented access token and the caller's
// refresh tokens.
func (h *AuthHandler) Logout(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		renderError(c, domain.ErrUnauthorized)
		return
	}

	err := h.svc.Logout(c.Request.Context(), token,
		c.GetHeader(deviceFingerprintHeader), requestMeta(c))
	if err != nil {
		renderError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

type userResponse struct {
	ID          string     `json:"id"`
	UserType    string     `json:"user_type,omitempty"`
	CountryCode string     `json:"country_code"`
	IsVerified  bool       `json:"is_verified"`
	CreatedAt   time.Time  `json:"created_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

func toUserResponse(user *domain.User) userResponse {
	return userResponse{
		ID:          user.ID.String(),
		UserType:    string(user.UserType),
		CountryCode: user.CountryCode,
		IsVerified:  user.IsVerified,
		CreatedAt:   user.CreatedAt,
		LastLoginAt: user.LastLoginAt,
	}
}

// Me returns the authenticated user's profile.
func (h *AuthHandler) Me(c *gin.Context) {
	ident, ok := Identity(c)
	if !ok {
		renderError(c, domain.ErrUnauthorized)
		return
	}
	userID, err := domain.NewUserID(ident.UserID)
	if err != nil {
		renderError(c, domain.ErrInvalidClaims)
		return
	}

	user, err := h.svc.GetUser(c.Request.Context(), userID)
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, toUserResponse(user))
}

type userTypeRequest struct {
	UserType string `json:"user_type"`
}

// SelectUserType records the account classification picked after first
// login. Write-once.
func (h *AuthHandler) SelectUserType(c *gin.Context) {
	ident, ok := Identity(c)
	if !ok {
		renderError(c, domain.ErrUnauthorized)
		return
	}
	userID, err := domain.NewUserID(ident.UserID)
	if err != nil {
		renderError(c, domain.ErrInvalidClaims)
		return
	}

	var req userTypeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, domain.ErrInvalidInput)
		return
	}

	user, err := h.svc.SelectUserType(c.Request.Context(), userID, domain.UserType(req.UserType))
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, toUserResponse(user))
}

type limitUsageResponse struct {
	Scope         string `json:"scope"`
	Current       int    `json:"current"`
	Limit         int    `json:"limit"`
	WindowSeconds int    `json:"window_seconds"`
}

type rateStatusResponse struct {
	Identifier     string               `json:"identifier"`
	Locked         bool                 `json:"locked"`
	LockTTLSeconds int                  `json:"lock_ttl_seconds"`
	Limits         []limitUsageResponse `json:"limits"`
	FailedAttempts int                  `json:"failed_attempts"`
	Threshold      int                  `json:"threshold"`
}

func toRateStatusResponse(status *domain.RateLimitStatus) rateStatusResponse {
	limits := make([]limitUsageResponse, 0, len(status.Limits))
	for _, usage := range status.Limits {
		limits = append(limits, limitUsageResponse{
			Scope:         string(usage.Scope),
			Current:       usage.Current,
			Limit:         usage.Limit,
			WindowSeconds: int(usage.Window.Seconds()),
		})
	}
	return rateStatusResponse{
		Identifier:     status.Identifier,
		Locked:         status.Locked,
		LockTTLSeconds: int(status.LockTTL.Seconds()),
		Limits:         limits,
		FailedAttempts: status.FailedAttempts,
		Threshold:      status.Threshold,
	}
}

// PhoneStatus reports the limiter's view of one phone number.
func (h *AdminHandler) PhoneStatus(c *gin.Context) {
	status, err := h.svc.PhoneRateStatus(c.Request.Context(), c.Param("phone"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, toRateStatusResponse(status))
}

// ResetPhone clears every phone-scoped window and lock for the number.
func (h *AdminHandler) ResetPhone(c *gin.Context) {
	if err := h.svc.ResetPhoneLimits(c.Request.Context(), c.Param("phone")); err != nil {
		renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// IPStatus reports the limiter's view of one source address.
func (h *AdminHandler) IPStatus(c *gin.Context) {
	status, err := h.svc.IPRateStatus(c.Request.Context(), c.Param("ip"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, toRateStatusResponse(status))
}

// ResetIP clears every IP-scoped window for the address.
func (h *AdminHandler) ResetIP(c *gin.Context) {
	if err := h.svc.ResetIPLimits(c.Request.Context(), c.Param("ip")); err != nil {
		renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type detectionResponse struct {
	Detected       bool      `json:"detected"`
	Pattern        string    `json:"pattern,omitempty"`
	Confidence     float64   `json:"confidence"`
	SuspiciousIPs  []string  `json:"suspicious_ips,omitempty"`
	TargetedPhones []string  `json:"targeted_phones,omitempty"`
	Action         string    `json:"action"`
	BlockCIDR      string    `json:"block_cidr,omitempty"`
	Details        string    `json:"details,omitempty"`
	WindowStart    time.Time `json:"window_start"`
	WindowEnd      time.Time `json:"window_end"`
}

// Detect runs one attack-detection pass over recent audit events.
func (h *AdminHandler) Detect(c *gin.Context) {
	result, err := h.svc.DetectAttacks(c.Request.Context())
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, detectionResponse{
		Detected:       result.Detected,
		Pattern:        string(result.Pattern),
		Confidence:     result.Confidence,
		SuspiciousIPs:  result.SuspiciousIPs,
		TargetedPhones: result.TargetedPhones,
		Action:         string(result.Action),
		BlockCIDR:      result.BlockCIDR,
		Details:        result.Details,
		WindowStart:    result.WindowStart,
		WindowEnd:      result.WindowEnd,
	})
}

type hourBucketResponse struct {
	Hour  time.Time `json:"hour"`
	Count int       `json:"count"`
}

type trendResponse struct {
	Hours         int                  `json:"hours"`
	TotalEvents   int                  `json:"total_events"`
	UniqueIPs     int                  `json:"unique_ips"`
	EventsPerHour float64              `json:"events_per_hour"`
	PeakHour      time.Time            `json:"peak_hour"`
	Hourly        []hourBucketResponse `json:"hourly"`
}

// Trends summarizes recent audit activity for dashboards. The hours
// query parameter defaults to 24.
func (h *AdminHandler) Trends(c *gin.Context) {
	hours := 0
	if raw := c.Query("hours"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			renderError(c, domain.ErrInvalidInput)
			return
		}
		hours = parsed
	}

	report, err := h.svc.AnalyzeTrends(c.Request.Context(), hours)
	if err != nil {
		renderError(c, err)
		return
	}

	hourly := make([]hourBucketResponse, 0, len(report.Hourly))
	for _, bucket := range report.Hourly {
		hourly = append(hourly, hourBucketResponse{Hour: bucket.Hour, Count: bucket.Count})
	}
	c.JSON(http.StatusOK, trendResponse{
		Hours:         report.Hours,
		TotalEvents:   report.TotalEvents,
		UniqueIPs:     report.UniqueIPs,
		EventsPerHour: report.EventsPerHour,
		PeakHour:      report.PeakHour,
		Hourly:        hourly,
	})
}

// renderError writes the transport shape of err and aborts the chain.
func renderError(c *gin.Context, err error) {
	he := errmap.ToHTTPError(err)
	if he.RetryAfterSeconds > 0 {
		c.Header("Retry-After", strconv.Itoa(he.RetryAfterSeconds))
	}
	c.AbortWithStatusJSON(he.StatusCode, he)
}

// bearerToken extracts the bearer token from the Authorization header.
// A value without the Bearer prefix is returned as-is.
func bearerToken(c *gin.Context) string {
	value := c.GetHeader("Authorization")
	if value == "" {
		return ""
	}
	const prefix = "Bearer "
	if strings.HasPrefix(value, prefix) {
		return value[len(prefix):]
	}
	return value
}

// requestMeta captures the client context that flows into audit events.
func requestMeta(c *gin.Context) app.RequestMeta {
	return app.RequestMeta{
		IP:         c.ClientIP(),
		UserAgent:  c.GetHeader("User-Agent"),
		DeviceInfo: c.GetHeader(deviceInfoHeader),
	}
}
