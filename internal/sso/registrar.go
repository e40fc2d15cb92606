package sso

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/bayleafwalker/foundry/internal/dbms"
	"github.com/bayleafwalker/foundry/internal/deploy"
)

// SecretLoader reads the identity provider's admin credentials.
type SecretLoader interface {
	Load(ctx context.Context, namespace, name string) (*corev1.Secret, error)
}

// Registrar registers deployable containers as confidential clients.
type Registrar struct {
	Secrets SecretLoader
	// Timeout bounds each HTTP request and the whole retry loop.
	Timeout time.Duration
	// NewBackOff overrides the retry policy, mainly for tests.
	NewBackOff func() backoff.BackOff
}

func (r Registrar) backOff() backoff.BackOff {
	if r.NewBackOff != nil {
		return r.NewBackOff()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 15 * time.Second
	b.MaxElapsedTime = r.Timeout
	return b
}

// RegisterClient makes sure reg exists in its realm and returns its
// credentials. The server may still be starting, so transient failures are
// retried until Timeout.
func (r Registrar) RegisterClient(ctx context.Context, conn deploy.SSOConnection, reg deploy.ClientRegistration) (deploy.ClientCredentials, error) {
	logger := log.FromContext(ctx).WithValues("realm", reg.Realm, "clientId", reg.ClientID)

	admin, err := r.Secrets.Load(ctx, conn.AdminSecretNamespace, conn.AdminSecretName)
	if err != nil {
		return deploy.ClientCredentials{}, fmt.Errorf("load SSO admin secret %s/%s: %w", conn.AdminSecretNamespace, conn.AdminSecretName, err)
	}
	username := string(admin.Data[dbms.SecretUsernameKey])
	password := string(admin.Data[dbms.SecretPasswordKey])
	if username == "" || password == "" {
		return deploy.ClientCredentials{}, fmt.Errorf("SSO admin secret %s/%s lacks %q or %q", conn.AdminSecretNamespace, conn.AdminSecretName, dbms.SecretUsernameKey, dbms.SecretPasswordKey)
	}

	client := NewClient(conn.BaseURL, username, password, r.Timeout)
	rep := ClientRepresentation{
		ClientID:            reg.ClientID,
		Enabled:             true,
		StandardFlowEnabled: true,
		RedirectURIs:        reg.RedirectURIs,
		WebOrigins:          reg.WebOrigins,
	}

	var creds deploy.ClientCredentials
	attempt := 0
	op := func() error {
		attempt++
		if err := client.EnsureRealm(ctx, reg.Realm); err != nil {
			return classify(err)
		}
		id, err := client.EnsureClient(ctx, reg.Realm, rep)
		if err != nil {
			return classify(err)
		}
		secret, err := client.ClientSecret(ctx, reg.Realm, id)
		if err != nil {
			return classify(err)
		}
		creds = deploy.ClientCredentials{ClientID: reg.ClientID, ClientSecret: secret}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.V(1).Info("SSO registration failed; retrying", "attempt", attempt, "wait", wait, "error", err.Error())
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(r.backOff(), ctx), notify); err != nil {
		return deploy.ClientCredentials{}, err
	}
	logger.Info("SSO client registered")
	return creds, nil
}

func classify(err error) error {
	if retryable(err) {
		return err
	}
	return backoff.Permanent(err)
}
