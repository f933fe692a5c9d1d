// Package credentials resolves the cloud account a deployment runs against
// and fetches service keys once resources exist.
package credentials

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/openfroyo/provisioner/pkg/stores"
)

// ErrNoAccount is returned when no subscription can be selected.
var ErrNoAccount = errors.New("no cloud account available")

// Account is a resolved cloud account.
type Account struct {
	// ID is the subscription id. Empty when resolution was skipped.
	ID   string
	Name string
	// Strategy records how the account was chosen: explicit, env, single,
	// default-flag, first, static or skipped.
	Strategy string
}

// Hint carries the caller's account preference.
type Hint struct {
	SubscriptionID string
	// Log receives progress lines, including interactive login prompts.
	Log func(line string)
}

func (h Hint) log(line string) {
	if h.Log != nil {
		h.Log(line)
	}
}

// Resolver selects and activates a cloud account.
type Resolver interface {
	Resolve(ctx context.Context, hint Hint) (Account, error)
}

// Describer reports the account the tooling is currently bound to.
type Describer interface {
	Current(ctx context.Context) (Account, error)
}

// EnrichRequest identifies the resources to fetch keys for.
type EnrichRequest struct {
	ResourceGroup string
	Names         map[string]string
	IncludeSearch bool
}

// Enricher fetches service keys after a successful apply. Failures are
// reported through warn and never fail the deployment.
type Enricher interface {
	Enrich(ctx context.Context, req EnrichRequest, warn func(line string)) map[string]stores.Output
}

// ReadyConfig bounds WaitReady.
type ReadyConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Timeout         time.Duration
}

// WaitReady polls check with exponential backoff until it succeeds, returns a
// permanent error, or the timeout elapses.
func WaitReady(ctx context.Context, cfg ReadyConfig, check func(context.Context) (Account, error)) (Account, error) {
	b := backoff.NewExponentialBackOff()
	if cfg.InitialInterval > 0 {
		b.InitialInterval = cfg.InitialInterval
	}
	if cfg.MaxInterval > 0 {
		b.MaxInterval = cfg.MaxInterval
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	return backoff.Retry(ctx, func() (Account, error) {
		return check(ctx)
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(timeout))
}

// Static resolves to a fixed account without contacting any tooling.
type Static struct {
	Account Account
}

// Resolve returns the configured account. An explicit hint wins.
func (s *Static) Resolve(_ context.Context, hint Hint) (Account, error) {
	if hint.SubscriptionID != "" {
		return Account{ID: hint.SubscriptionID, Strategy: "explicit"}, nil
	}
	acct := s.Account
	if acct.Strategy == "" {
		acct.Strategy = "static"
	}
	return acct, nil
}
