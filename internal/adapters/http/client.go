package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/dkeye/voicelink/internal/config"
)

// RequestToken asks the relay server at baseURL for a token naming user.
func RequestToken(ctx context.Context, client *http.Client, baseURL, user string) (string, error) {
	body, err := json.Marshal(tokenRequest{UserID: user})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/api/auth/token", strings.NewReader(string(body)))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	var resp tokenResponse
	if err := do(client, req, &resp); err != nil {
		return "", err
	}
	return resp.Token, nil
}

// FetchICEServers reads the STUN/TURN list published by the relay server.
func FetchICEServers(ctx context.Context, client *http.Client, baseURL, token string) ([]config.ICEServer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/api/ice", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	var resp iceResponse
	if err := do(client, req, &resp); err != nil {
		return nil, err
	}
	return resp.ICEServers, nil
}

func do(client *http.Client, req *http.Request, out any) error {
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: status %d", req.Method, req.URL.Path, res.StatusCode)
	}
	return json.NewDecoder(res.Body).Decode(out)
}
