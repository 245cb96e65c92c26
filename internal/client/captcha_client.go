package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/OmarB97/trynano-server/internal/config"
	"github.com/OmarB97/trynano-server/internal/util"
)

// CaptchaClient verifies reCAPTCHA tokens against the siteverify endpoint.
type CaptchaClient struct {
	httpClient *http.Client
	secret     string
	verifyURL  string
}

type siteVerifyResponse struct {
	Success     bool      `json:"success"`
	ChallengeTS time.Time `json:"challenge_ts"`
	Hostname    string    `json:"hostname"`
	ErrorCodes  []string  `json:"error-codes"`
}

func NewCaptchaClient(cfg config.CaptchaConfig) *CaptchaClient {
	return &CaptchaClient{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		secret:     cfg.Secret,
		verifyURL:  cfg.VerifyURL,
	}
}

// Verify reports whether token is valid. An error means the verifier itself
// could not be reached or answered garbage.
func (c *CaptchaClient) Verify(ctx context.Context, token, remoteIP string) (bool, error) {
	if token == "" {
		return false, nil
	}

	form := url.Values{"secret": {c.secret}, "response": {token}}
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return false, fmt.Errorf("failed to build captcha request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("captcha verification request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("captcha verification returned status %d", resp.StatusCode)
	}

	var out siteVerifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("failed to decode captcha response: %w", err)
	}
	if !out.Success {
		util.Debug("Captcha rejected", util.Strings("error_codes", out.ErrorCodes))
	}
	return out.Success, nil
}
