package mpesa

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/turingfp/micropay/pkg/errors"
)

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   code   `json:"expires_in"`
}

// accessToken returns the cached bearer token, refreshing it only when it is
// absent or inside the expiry margin.
func (a *Adapter) accessToken(ctx context.Context) (string, error) {
	a.tokenMu.Lock()
	defer a.tokenMu.Unlock()

	if a.token != "" && a.now().Before(a.tokenExpiry) {
		return a.token, nil
	}

	token, expiresIn, err := a.fetchToken(ctx)
	if err != nil {
		return "", errors.NewProviderError("Auth Error: "+err.Error(), Name, err)
	}
	a.token = token
	a.tokenExpiry = a.now().Add(expiresIn - tokenMargin)
	a.logger.Debug().Dur("expires_in", expiresIn).Msg("refreshed access token")
	return a.token, nil
}

func (a *Adapter) fetchToken(ctx context.Context) (string, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+authPath, nil)
	if err != nil {
		return "", 0, fmt.Errorf("build auth request: %w", err)
	}
	basic := base64.StdEncoding.EncodeToString([]byte(a.creds.consumerKey + ":" + a.creds.consumerSecret))
	req.Header.Set("Authorization", "Basic "+basic)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", 0, errors.NewNetworkError(fmt.Sprintf("Auth request failed: %v", err), 0, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		netErr := errors.NewNetworkError(fmt.Sprintf("Auth failed: %d %s", resp.StatusCode, body), resp.StatusCode, nil)
		netErr.Body = string(body)
		return "", 0, netErr
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", 0, fmt.Errorf("decode auth response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", 0, fmt.Errorf("auth response carried no access token")
	}
	secs, err := strconv.Atoi(string(tr.ExpiresIn))
	if err != nil || secs <= 0 {
		secs = 3599
	}
	return tr.AccessToken, time.Duration(secs) * time.Second, nil
}

// password is base64(shortcode + passkey + timestamp).
func password(shortcode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortcode + passkey + timestamp))
}
