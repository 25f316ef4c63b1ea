package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// CredentialSession implements the OAuth Device Authorization Grant against
// the platform's identity endpoints using the Android mobile client id,
// which bypasses the web client's integrity check (spec.md §4.1).
type CredentialSession struct {
	httpClient *http.Client
	clientInfo ClientInfo
	proxyURL   *url.URL
}

// NewCredentialSession builds a session helper; proxyURL may be nil.
func NewCredentialSession(clientInfo ClientInfo, proxyURL *url.URL) *CredentialSession {
	client := &http.Client{Timeout: 30 * time.Second}
	if proxyURL != nil {
		client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}
	return &CredentialSession{httpClient: client, clientInfo: clientInfo, proxyURL: proxyURL}
}

type deviceCodeResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

type deviceTokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	Error       string `json:"error"`
}

// OnCode is invoked once the device code has been obtained, with the
// user-facing code and verification URL to display. It exists purely as a
// passthrough so the UI layer can render it however it likes (synchronous
// callback here; a caller wanting the "async channel" shape from spec.md
// §4.1 can simply invoke a channel send from inside the callback).
type OnCode func(userCode, verificationURI string)

// Init fetches the platform home page and, if a first-party unique-id
// cookie is present, returns it; callers use this to seed Session.DeviceID
// instead of (or before) falling back to a random one. Idempotent: it is
// safe to call repeatedly, each call simply re-fetches.
func (c *CredentialSession) Init(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.clientInfo.ClientURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", c.clientInfo.UserAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", wrapTransportError(err, c.proxyURL != nil)
	}
	defer resp.Body.Close()

	for _, cookie := range resp.Cookies() {
		if cookie.Name == "unique_id" {
			return cookie.Value, nil
		}
	}
	return "", nil
}

// Authenticate runs the full device-code flow: obtains a device code,
// invokes onCode, then polls until the user approves (or the code expires),
// and finally validates the resulting token to discover user id and login.
func (c *CredentialSession) Authenticate(ctx context.Context, deviceID string, onCode OnCode) (*Session, error) {
	dc, err := c.requestDeviceCode(ctx)
	if err != nil {
		return nil, err
	}
	onCode(dc.UserCode, dc.VerificationURI)

	accessToken, err := c.pollForToken(ctx, dc)
	if err != nil {
		return nil, err
	}

	if deviceID == "" {
		if id, err := c.Init(ctx); err == nil && id != "" {
			deviceID = id
		}
	}
	if deviceID == "" {
		deviceID, err = newDeviceID()
		if err != nil {
			return nil, err
		}
	}

	userID, login, err := c.validate(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	return &Session{
		AccessToken: accessToken,
		UserID:      userID,
		DeviceID:    deviceID,
		Login:       login,
	}, nil
}

func (c *CredentialSession) requestDeviceCode(ctx context.Context) (*deviceCodeResponse, error) {
	form := url.Values{}
	form.Set("client_id", c.clientInfo.ClientID)
	form.Set("scopes", deviceAuthScopes)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, deviceCodeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, wrapTransportError(err, c.proxyURL != nil)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &ErrAuthProtocolError{Detail: fmt.Sprintf("device code endpoint returned %d", resp.StatusCode)}
	}

	var dc deviceCodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&dc); err != nil {
		return nil, &ErrAuthProtocolError{Detail: "malformed device code response: " + err.Error()}
	}
	return &dc, nil
}

// pollForToken polls the token endpoint every dc.Interval seconds. HTTP 400
// is the documented "pending" signal; any other non-200 status is fatal.
// ErrDeviceCodeExpired fires once expires_in/interval polls have elapsed.
func (c *CredentialSession) pollForToken(ctx context.Context, dc *deviceCodeResponse) (string, error) {
	interval := dc.Interval
	if interval <= 0 {
		interval = 5
	}
	maxPolls := dc.ExpiresIn / interval
	if maxPolls <= 0 {
		maxPolls = 1
	}

	ticker := time.NewTicker(time.Duration(interval) * time.Second)
	defer ticker.Stop()

	for poll := 0; poll < maxPolls; poll++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}

		token, pending, err := c.checkDeviceCodeStatus(ctx, dc.DeviceCode)
		if err != nil {
			return "", err
		}
		if !pending {
			return token, nil
		}
	}
	return "", ErrDeviceCodeExpired
}

func (c *CredentialSession) checkDeviceCodeStatus(ctx context.Context, deviceCode string) (token string, pending bool, err error) {
	form := url.Values{}
	form.Set("client_id", c.clientInfo.ClientID)
	form.Set("device_code", deviceCode)
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:device_code")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", false, wrapTransportError(err, c.proxyURL != nil)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest {
		return "", true, nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, &ErrAuthProtocolError{Detail: fmt.Sprintf("token endpoint returned %d", resp.StatusCode)}
	}

	var tr deviceTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", false, &ErrAuthProtocolError{Detail: "malformed token response: " + err.Error()}
	}
	if tr.AccessToken == "" {
		logrus.WithField("error", tr.Error).Debug("device code poll: no token yet")
		return "", true, nil
	}
	return tr.AccessToken, false, nil
}

func (c *CredentialSession) validate(ctx context.Context, accessToken string) (userID int64, login string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, validateURL, nil)
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Authorization", "OAuth "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, "", wrapTransportError(err, c.proxyURL != nil)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, "", &ErrAuthProtocolError{Detail: fmt.Sprintf("validate endpoint returned %d", resp.StatusCode)}
	}

	var v struct {
		Login  string `json:"login"`
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return 0, "", &ErrAuthProtocolError{Detail: "malformed validate response: " + err.Error()}
	}

	id, err := strconv.ParseInt(v.UserID, 10, 64)
	if err != nil {
		return 0, "", &ErrAuthProtocolError{Detail: "non-numeric user_id: " + v.UserID}
	}
	return id, v.Login, nil
}
