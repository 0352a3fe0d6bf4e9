package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aelexs/phone-auth-service/internal/auth"
	"github.com/aelexs/phone-auth-service/internal/domain"
)

// Compile-time check: TwilioSMSProvider satisfies auth.SMSProvider.
var _ auth.SMSProvider = (*TwilioSMSProvider)(nil)

// TwilioSMSConfig configures the Twilio REST provider.
type TwilioSMSConfig struct {
	AccountSID string
	AuthToken  string
	From       string

	// BaseURL overrides the API host; tests point it at a local server.
	BaseURL string

	// MaxRetries is how many times a failed send is retried beyond the
	// first attempt. Zero means one attempt total.
	MaxRetries int
	RetryDelay time.Duration

	HTTPClient *http.Client
}

// TwilioSMSProvider delivers codes through Twilio's Messages REST API.
// Transport failures and 5xx responses retry with a fixed delay; 4xx
// responses are terminal since resending the same request cannot
// succeed (ADR-005 §2).
type TwilioSMSProvider struct {
	accountSID string
	authToken  string
	from       string
	baseURL    string
	maxRetries int
	retryDelay time.Duration
	httpClient *http.Client
}

// NewTwilioSMSProvider creates a provider with the given tuning.
func NewTwilioSMSProvider(cfg TwilioSMSConfig) *TwilioSMSProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.twilio.com"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: domain.SMSTimeout}
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &TwilioSMSProvider{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		from:       cfg.From,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		httpClient: cfg.HTTPClient,
	}
}

// SendCode posts the message and returns Twilio's message sid.
func (p *TwilioSMSProvider) SendCode(ctx context.Context, phone string, code string) (string, error) {
	endpoint := p.baseURL + "/2010-04-01/Accounts/" + p.accountSID + "/Messages.json"
	form := url.Values{}
	form.Set("To", phone)
	form.Set("From", p.from)
	form.Set("Body", smsBody(code))

	var lastErr error
	for attempt := 0; ; attempt++ {
		sid, err := p.post(ctx, endpoint, form)
		if err == nil {
			return sid, nil
		}
		lastErr = err

		var apiErr *twilioAPIError
		if errors.As(err, &apiErr) && apiErr.Status < 500 {
			break
		}
		if attempt >= p.maxRetries {
			break
		}
		sleepContext(ctx, p.retryDelay)
		if ctx.Err() != nil {
			lastErr = errors.Join(lastErr, ctx.Err())
			break
		}
	}
	return "", fmt.Errorf("twilio send to %s: %w", domain.MaskPhone(phone), lastErr)
}

// IsValidPhoneNumber reports whether Twilio would accept the number.
func (p *TwilioSMSProvider) IsValidPhoneNumber(phone string) bool {
	return validE164(phone)
}

func (p *TwilioSMSProvider) post(ctx context.Context, endpoint string, form url.Values) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build twilio request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(p.accountSID, p.authToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("twilio request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("read twilio response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &twilioAPIError{}
		// The error envelope is best effort; the status alone decides
		// whether a retry can help.
		_ = json.Unmarshal(body, apiErr)
		apiErr.Status = resp.StatusCode
		return "", apiErr
	}

	var out struct {
		SID string `json:"sid"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode twilio response: %w", err)
	}
	return out.SID, nil
}

// twilioAPIError is Twilio's error envelope plus the HTTP status.
type twilioAPIError struct {
	Status  int
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *twilioAPIError) Error() string {
	return fmt.Sprintf("twilio api status %d code %d: %s", e.Status, e.Code, e.Message)
}
