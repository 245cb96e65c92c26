package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/OmarB97/trynano-server/internal/config"
	"github.com/OmarB97/trynano-server/internal/service"
)

const goodToken = "good-token"

type fakeFaucet struct {
	sendReq   service.SendRequest
	faucetIP  string
	err       error
	sendCalls int
}

func (f *fakeFaucet) CreateWallets(context.Context) (*service.CreateWalletsResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &service.CreateWalletsResponse{Wallets: []service.WalletCredentials{
		{Address: "a1", PrivateKey: "k1"},
		{Address: "a2", PrivateKey: "k2"},
	}}, nil
}

func (f *fakeFaucet) Send(_ context.Context, req service.SendRequest) (*service.SendResponse, error) {
	f.sendCalls++
	f.sendReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &service.SendResponse{Address: req.FromAddress, Balance: 600, SendTimestamp: 1717243200000}, nil
}

func (f *fakeFaucet) Receive(_ context.Context, req service.ReceiveRequest) (*service.ReceiveResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &service.ReceiveResponse{Address: req.ReceiveAddress, Balance: 700, ResolvedCount: 2}, nil
}

func (f *fakeFaucet) GetFromFaucet(_ context.Context, _ service.FaucetRequest, sourceIP string) (*service.FaucetResponse, error) {
	f.faucetIP = sourceIP
	if f.err != nil {
		return nil, f.err
	}
	return &service.FaucetResponse{Address: "faucet", Balance: 999850000}, nil
}

func (f *fakeFaucet) ReceivePendingFaucetTransactions(context.Context) (*service.ReceiveResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &service.ReceiveResponse{Address: "faucet", Balance: 5000, ResolvedCount: 3}, nil
}

type fakeCaptcha struct {
	err   error
	calls int
}

func (c *fakeCaptcha) Verify(_ context.Context, token, _ string) (bool, error) {
	c.calls++
	if c.err != nil {
		return false, c.err
	}
	return token == goodToken, nil
}

type fakeHealth map[string]error

func (h fakeHealth) HealthCheck(context.Context) map[string]error { return h }

func newTestRouter(faucet *fakeFaucet, captcha *fakeCaptcha, opts RouterOptions) http.Handler {
	opts.Captcha = captcha
	return NewRouter(NewFaucetHandler(faucet, zap.NewNop()), opts, zap.NewNop())
}

func post(t *testing.T, h http.Handler, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "203.0.113.7:51234"
	if token != "" {
		req.Header.Set(captchaHeader, token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestRouter_SuccessBodies(t *testing.T) {
	router := newTestRouter(&fakeFaucet{}, &fakeCaptcha{}, RouterOptions{})

	tests := []struct {
		path string
		body string
		want map[string]interface{}
	}{
		{
			path: "/send",
			body: `{"fromAddress":"from","privateKey":"k","toAddress":"to","amount":{"raw":"400"}}`,
			want: map[string]interface{}{"address": "from", "balance": "600", "sendTimestamp": float64(1717243200000)},
		},
		{
			path: "/receive",
			body: `{"receiveAddress":"r"}`,
			want: map[string]interface{}{"address": "r", "balance": "700", "resolvedCount": float64(2)},
		},
		{
			path: "/getFromFaucet",
			body: `{"toAddress":"to","privateKey":"k"}`,
			want: map[string]interface{}{"address": "faucet", "balance": "999850000"},
		},
		{
			path: "/receivePendingFaucetTransactions",
			want: map[string]interface{}{"address": "faucet", "balance": "5000", "resolvedCount": float64(3)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := post(t, router, tt.path, tt.body, goodToken)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Equal(t, tt.want, decodeBody(t, rec))
		})
	}
}

func TestRouter_CreateWallets(t *testing.T) {
	router := newTestRouter(&fakeFaucet{}, &fakeCaptcha{}, RouterOptions{})

	rec := post(t, router, "/createWallets", "", goodToken)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp service.CreateWalletsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Wallets, 2)
	assert.Contains(t, rec.Body.String(), `"balance":"0"`)
}

func TestRouter_SendOmitsAmount(t *testing.T) {
	faucet := &fakeFaucet{}
	router := newTestRouter(faucet, &fakeCaptcha{}, RouterOptions{})

	rec := post(t, router, "/send", `{"fromAddress":"from","privateKey":"k","toAddress":"to"}`, goodToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, faucet.sendReq.Amount)
}

func TestRouter_PassesClientIP(t *testing.T) {
	faucet := &fakeFaucet{}
	router := newTestRouter(faucet, &fakeCaptcha{}, RouterOptions{})

	rec := post(t, router, "/getFromFaucet", `{"toAddress":"to","privateKey":"k"}`, goodToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "203.0.113.7", faucet.faucetIP)
}

func TestRouter_ForwardedClientIP(t *testing.T) {
	proxies := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}

	tests := []struct {
		name       string
		remoteAddr string
		trusted    []netip.Prefix
		headers    map[string]string
		wantIP     string
	}{
		{
			name:       "no trusted proxies ignores headers",
			remoteAddr: "203.0.113.7:51234",
			headers:    map[string]string{"X-Forwarded-For": "10.9.8.7", "X-Real-IP": "10.9.8.6"},
			wantIP:     "203.0.113.7",
		},
		{
			name:       "untrusted peer cannot spoof",
			remoteAddr: "203.0.113.7:51234",
			trusted:    proxies,
			headers:    map[string]string{"X-Forwarded-For": "10.9.8.7"},
			wantIP:     "203.0.113.7",
		},
		{
			name:       "trusted proxy forwards client",
			remoteAddr: "10.0.0.2:443",
			trusted:    proxies,
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.20"},
			wantIP:     "198.51.100.20",
		},
		{
			name:       "rightmost untrusted hop wins",
			remoteAddr: "10.0.0.2:443",
			trusted:    proxies,
			headers:    map[string]string{"X-Forwarded-For": "1.2.3.4, 198.51.100.20, 10.0.0.9"},
			wantIP:     "198.51.100.20",
		},
		{
			name:       "trusted proxy with x-real-ip",
			remoteAddr: "10.0.0.2:443",
			trusted:    proxies,
			headers:    map[string]string{"X-Real-IP": "198.51.100.21"},
			wantIP:     "198.51.100.21",
		},
		{
			name:       "malformed forwarded hop keeps peer",
			remoteAddr: "10.0.0.2:443",
			trusted:    proxies,
			headers:    map[string]string{"X-Forwarded-For": "not-an-ip"},
			wantIP:     "10.0.0.2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			faucet := &fakeFaucet{}
			router := newTestRouter(faucet, &fakeCaptcha{}, RouterOptions{TrustedProxies: tt.trusted})

			req := httptest.NewRequest(http.MethodPost, "/getFromFaucet", strings.NewReader(`{"toAddress":"to","privateKey":"k"}`))
			req.RemoteAddr = tt.remoteAddr
			req.Header.Set(captchaHeader, goodToken)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.wantIP, faucet.faucetIP)
		})
	}
}

func TestRouter_Captcha(t *testing.T) {
	tests := []struct {
		name    string
		token   string
		err     error
		want    int
		wantHit bool
	}{
		{name: "missing token", want: http.StatusForbidden},
		{name: "invalid token", token: "bad", want: http.StatusForbidden, wantHit: true},
		{name: "verifier down", token: goodToken, err: errors.New("timeout"), want: http.StatusForbidden, wantHit: true},
		{name: "valid token", token: goodToken, want: http.StatusOK, wantHit: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			faucet := &fakeFaucet{}
			captcha := &fakeCaptcha{err: tt.err}
			router := newTestRouter(faucet, captcha, RouterOptions{})

			rec := post(t, router, "/receivePendingFaucetTransactions", "", tt.token)
			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, tt.wantHit, captcha.calls > 0)
		})
	}
}

func TestRouter_CaptchaCheckedBeforeBody(t *testing.T) {
	faucet := &fakeFaucet{}
	router := newTestRouter(faucet, &fakeCaptcha{}, RouterOptions{})

	rec := post(t, router, "/send", `not json`, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, faucet.sendCalls)
}

func TestRouter_ErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		want      int
		wantError string
	}{
		{name: "invalid address", err: service.ErrInvalidAddress, want: http.StatusBadRequest, wantError: "invalid address"},
		{name: "unauthorized", err: service.ErrUnauthorized, want: http.StatusBadRequest, wantError: service.ErrUnauthorized.Error()},
		{name: "invalid amount", err: service.ErrInvalidAmount, want: http.StatusBadRequest, wantError: "invalid amount"},
		{name: "insufficient funds", err: service.ErrInsufficientFunds, want: http.StatusBadRequest, wantError: "insufficient funds"},
		{name: "ineligible", err: &service.IneligibleError{Reason: "used too recently"}, want: http.StatusBadRequest, wantError: "used too recently"},
		{name: "upstream", err: fmtUpstream(), want: http.StatusInternalServerError, wantError: "internal server error"},
		{name: "unknown", err: errors.New("boom"), want: http.StatusInternalServerError, wantError: "internal server error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(&fakeFaucet{err: tt.err}, &fakeCaptcha{}, RouterOptions{})

			rec := post(t, router, "/getFromFaucet", `{"toAddress":"to","privateKey":"k"}`, goodToken)
			assert.Equal(t, tt.want, rec.Code)
			body := decodeBody(t, rec)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, tt.wantError, body["error"])
		})
	}
}

// fmtUpstream builds an error that matches ErrUpstreamUnavailable and
// carries internal detail that must not leak.
func fmtUpstream() error {
	return errors.Join(service.ErrUpstreamUnavailable, errors.New("dial tcp 10.0.0.5:8899: refused"))
}

func TestRouter_RetryAfter(t *testing.T) {
	err := &service.IneligibleError{Reason: "used too recently", RetryAfter: 90*time.Second + 200*time.Millisecond}
	router := newTestRouter(&fakeFaucet{err: err}, &fakeCaptcha{}, RouterOptions{})

	rec := post(t, router, "/getFromFaucet", `{"toAddress":"to","privateKey":"k"}`, goodToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "91", rec.Header().Get("Retry-After"))
}

func TestRouter_Validation(t *testing.T) {
	faucet := &fakeFaucet{}
	router := newTestRouter(faucet, &fakeCaptcha{}, RouterOptions{})

	tests := []struct {
		name      string
		path      string
		body      string
		wantError string
	}{
		{name: "malformed json", path: "/send", body: `{`},
		{name: "missing field", path: "/receive", body: `{}`, wantError: "ReceiveAddress is required"},
		{name: "non numeric amount", path: "/send", body: `{"fromAddress":"f","privateKey":"k","toAddress":"t","amount":{"raw":"ten"}}`, wantError: "invalid amount"},
		{name: "empty amount", path: "/send", body: `{"fromAddress":"f","privateKey":"k","toAddress":"t","amount":{"raw":""}}`, wantError: "invalid amount"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(t, router, tt.path, tt.body, goodToken)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			if tt.wantError != "" {
				assert.Equal(t, tt.wantError, decodeBody(t, rec)["error"])
			}
		})
	}
	assert.Zero(t, faucet.sendCalls)
}

func TestRouter_Options(t *testing.T) {
	router := newTestRouter(&fakeFaucet{}, &fakeCaptcha{}, RouterOptions{})

	for _, path := range []string{"/send", "/anything/else"} {
		req := httptest.NewRequest(http.MethodOptions, path, nil)
		req.Header.Set("Origin", "https://trynano.example")
		req.Header.Set("Access-Control-Request-Method", "POST")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Empty(t, rec.Body.String())
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestRouter_NotFound(t *testing.T) {
	router := newTestRouter(&fakeFaucet{}, &fakeCaptcha{}, RouterOptions{})

	rec := post(t, router, "/nope", "", goodToken)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// A known path with the wrong method is 405, not 404.
	req := httptest.NewRequest(http.MethodGet, "/send", nil)
	req.Header.Set(captchaHeader, goodToken)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "method not allowed", decodeBody(t, rec)["error"])
}

func TestRouter_ConfigErrorComesFirst(t *testing.T) {
	cfgErr := &config.MissingError{Vars: []string{"FAUCET_ADDRESS", "RECAPTCHA_SECRET"}}
	captcha := &fakeCaptcha{}
	router := newTestRouter(&fakeFaucet{}, captcha, RouterOptions{ConfigErr: cfgErr})

	for _, path := range []string{"/send", "/nope"} {
		rec := post(t, router, path, "", "")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, cfgErr.Error(), decodeBody(t, rec)["error"])
	}

	req := httptest.NewRequest(http.MethodOptions, "/send", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Zero(t, captcha.calls)
}

func TestRouter_Health(t *testing.T) {
	router := newTestRouter(&fakeFaucet{}, &fakeCaptcha{}, RouterOptions{Health: fakeHealth{}})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decodeBody(t, rec)["status"])

	router = newTestRouter(&fakeFaucet{}, &fakeCaptcha{}, RouterOptions{Health: fakeHealth{"redis": errors.New("down")}})
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, map[string]interface{}{"redis": "down"}, decodeBody(t, rec)["data"])
}

func TestRouter_Metrics(t *testing.T) {
	router := newTestRouter(&fakeFaucet{}, &fakeCaptcha{}, RouterOptions{})
	post(t, router, "/createWallets", "", goodToken)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "trynano_http_requests_total")
}
