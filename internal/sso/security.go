package sso

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	resty "github.com/go-resty/resty/v2"
)

const tokenAPI = "/realms/master/protocol/openid-connect/token"

type authResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int32  `json:"expires_in"`
}

// tokenSource caches an admin access token obtained with the password grant.
type tokenSource struct {
	restClient *resty.Client
	base       string
	username   string
	password   string

	mu       sync.Mutex
	auth     *authResponse
	authTime time.Time
	now      func() time.Time
}

func (s *tokenSource) token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.needNewToken() {
		result, err := s.requestAccessToken(ctx)
		if err != nil {
			return "", err
		}
		s.auth = result
		s.authTime = s.now()
	}
	return s.auth.AccessToken, nil
}

func (s *tokenSource) requestAccessToken(ctx context.Context) (*authResponse, error) {
	url := s.base + tokenAPI
	clientLog.V(1).Info("Requesting admin access token", "url", url, "username", s.username)

	resp, err := s.restClient.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"grant_type": "password",
			"client_id":  "admin-cli",
			"username":   s.username,
			"password":   s.password,
		}).
		SetResult(&authResponse{}).
		Post(url)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &ClientError{prefix: "token", ResponseBody: string(resp.Body()), StatusCode: resp.StatusCode()}
	}
	auth := *resp.Result().(*authResponse)
	if auth.AccessToken == "" {
		return nil, fmt.Errorf("token response from %s carried no access token", url)
	}
	return &auth, nil
}

// needNewToken treats tokens within a second of expiry as expired.
func (s *tokenSource) needNewToken() bool {
	if s.auth == nil {
		return true
	}
	age := s.now().Sub(s.authTime)
	return age >= time.Duration(s.auth.ExpiresIn-1)*time.Second
}
