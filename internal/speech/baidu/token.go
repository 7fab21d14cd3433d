package baidu

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/zrea200/epkeeper-chatbot/internal/credential"
)

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int64  `json:"expires_in"`
	Scope            string `json:"scope"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// TokenFetcher exchanges an API key and secret key for an access token.
type TokenFetcher struct {
	http *resty.Client
	url  string
	now  func() time.Time
}

func NewTokenFetcher(httpClient *resty.Client, tokenURL string) *TokenFetcher {
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	return &TokenFetcher{http: httpClient, url: tokenURL, now: time.Now}
}

// Exchange performs the raw OAuth2 call and returns the vendor's status and
// body untouched.
func (f *TokenFetcher) Exchange(ctx context.Context, apiKey, secretKey string) (int, []byte, error) {
	resp, err := f.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"grant_type":    "client_credentials",
			"client_id":     apiKey,
			"client_secret": secretKey,
		}).
		SetHeader("Content-Type", "application/json").
		Post(f.url)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode(), resp.Body(), nil
}

func (f *TokenFetcher) FetchToken(ctx context.Context, cred credential.Credential) (credential.Token, error) {
	status, body, err := f.Exchange(ctx, cred.ClientID, cred.ClientSecret)
	if err != nil {
		return credential.Token{}, err
	}
	var out tokenResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return credential.Token{}, fmt.Errorf("decode token response (status %d): %w", status, err)
	}
	if status/100 != 2 || out.AccessToken == "" {
		if out.Error != "" {
			return credential.Token{}, fmt.Errorf("token endpoint status %d: %s: %s", status, out.Error, out.ErrorDescription)
		}
		return credential.Token{}, fmt.Errorf("token endpoint status %d: no access_token", status)
	}
	issued := f.now()
	expiresIn := time.Duration(out.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		expiresIn = 30 * 24 * time.Hour
	}
	return credential.Token{
		Value:     out.AccessToken,
		IssuedAt:  issued,
		ExpiresAt: issued.Add(expiresIn),
	}, nil
}
