// Package sso registers applications as clients of a Keycloak-compatible
// identity provider through its admin REST API.
package sso

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	resty "github.com/go-resty/resty/v2"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
)

var clientLog = logf.Log.WithName("sso_client")

// ClientRepresentation is the subset of a Keycloak client the controller manages.
type ClientRepresentation struct {
	ID                  string   `json:"id,omitempty"`
	ClientID            string   `json:"clientId"`
	Enabled             bool     `json:"enabled"`
	PublicClient        bool     `json:"publicClient"`
	StandardFlowEnabled bool     `json:"standardFlowEnabled"`
	RedirectURIs        []string `json:"redirectUris,omitempty"`
	WebOrigins          []string `json:"webOrigins,omitempty"`
}

type realmRepresentation struct {
	Realm   string `json:"realm"`
	Enabled bool   `json:"enabled"`
}

type credentialRepresentation struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Client talks to the admin API as an administrator of the master realm.
type Client struct {
	restClient *resty.Client
	base       string
	tokens     *tokenSource
}

// NewClient builds a client for the server at baseURL.
func NewClient(baseURL, username, password string, timeout time.Duration) *Client {
	base := strings.TrimSuffix(baseURL, "/")
	restClient := resty.New().SetTimeout(timeout)
	return &Client{
		restClient: restClient,
		base:       base,
		tokens: &tokenSource{
			restClient: restClient,
			base:       base,
			username:   username,
			password:   password,
			now:        time.Now,
		},
	}
}

func (c *Client) request(ctx context.Context) (*resty.Request, error) {
	token, err := c.tokens.token(ctx)
	if err != nil {
		return nil, err
	}
	return c.restClient.R().SetContext(ctx).SetAuthToken(token), nil
}

func (c *Client) adminURL(format string, args ...any) string {
	return c.base + "/admin/realms" + fmt.Sprintf(format, args...)
}

func failure(prefix string, resp *resty.Response) error {
	return &ClientError{prefix: prefix, ResponseBody: string(resp.Body()), StatusCode: resp.StatusCode()}
}

// EnsureRealm creates realm unless it exists.
func (c *Client) EnsureRealm(ctx context.Context, realm string) error {
	req, err := c.request(ctx)
	if err != nil {
		return err
	}
	resp, err := req.Get(c.adminURL("/%s", realm))
	if err != nil {
		return err
	}
	switch resp.StatusCode() {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
	default:
		return failure("get realm "+realm, resp)
	}

	req, err = c.request(ctx)
	if err != nil {
		return err
	}
	resp, err = req.SetBody(realmRepresentation{Realm: realm, Enabled: true}).Post(c.adminURL(""))
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusCreated && resp.StatusCode() != http.StatusConflict {
		return failure("create realm "+realm, resp)
	}
	clientLog.Info("Created realm", "realm", realm)
	return nil
}

// FindClient returns the client registered as clientID, or nil.
func (c *Client) FindClient(ctx context.Context, realm, clientID string) (*ClientRepresentation, error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}
	var found []ClientRepresentation
	resp, err := req.
		SetQueryParam("clientId", clientID).
		SetResult(&found).
		Get(c.adminURL("/%s/clients", realm))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, failure("find client "+clientID, resp)
	}
	for i := range found {
		if found[i].ClientID == clientID {
			return &found[i], nil
		}
	}
	return nil, nil
}

// EnsureClient creates or updates rep and returns its internal id.
func (c *Client) EnsureClient(ctx context.Context, realm string, rep ClientRepresentation) (string, error) {
	existing, err := c.FindClient(ctx, realm, rep.ClientID)
	if err != nil {
		return "", err
	}
	req, err := c.request(ctx)
	if err != nil {
		return "", err
	}

	if existing != nil {
		rep.ID = existing.ID
		resp, err := req.SetBody(rep).Put(c.adminURL("/%s/clients/%s", realm, existing.ID))
		if err != nil {
			return "", err
		}
		if !resp.IsSuccess() {
			return "", failure("update client "+rep.ClientID, resp)
		}
		return existing.ID, nil
	}

	resp, err := req.SetBody(rep).Post(c.adminURL("/%s/clients", realm))
	if err != nil {
		return "", err
	}
	if resp.StatusCode() != http.StatusCreated {
		return "", failure("create client "+rep.ClientID, resp)
	}
	clientLog.Info("Created client", "realm", realm, "clientId", rep.ClientID)

	// The new id is the last segment of the Location header.
	if loc := resp.Header().Get("Location"); loc != "" {
		return loc[strings.LastIndex(loc, "/")+1:], nil
	}
	created, err := c.FindClient(ctx, realm, rep.ClientID)
	if err != nil {
		return "", err
	}
	if created == nil {
		return "", fmt.Errorf("client %s not found after creation", rep.ClientID)
	}
	return created.ID, nil
}

// ClientSecret returns the confidential client's current secret.
func (c *Client) ClientSecret(ctx context.Context, realm, id string) (string, error) {
	req, err := c.request(ctx)
	if err != nil {
		return "", err
	}
	var cred credentialRepresentation
	resp, err := req.SetResult(&cred).Get(c.adminURL("/%s/clients/%s/client-secret", realm, id))
	if err != nil {
		return "", err
	}
	if resp.StatusCode() != http.StatusOK {
		return "", failure("get client secret", resp)
	}
	return cred.Value, nil
}
