package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/openfroyo/provisioner/pkg/naming"
	"github.com/openfroyo/provisioner/pkg/runner"
	"github.com/openfroyo/provisioner/pkg/stores"
)

// AzureCLIConfig configures the az based resolver.
type AzureCLIConfig struct {
	// Binary is the az executable, "az" by default.
	Binary string
	// SkipLoginCheck disables login and subscription selection. The
	// AZ_SKIP_LOGIN_CHECK environment variable has the same effect.
	SkipLoginCheck bool
	Ready          ReadyConfig
	Logger         zerolog.Logger
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
}

// AzureCLI resolves accounts and fetches service keys through the az CLI.
type AzureCLI struct {
	exec   runner.Executor
	cfg    AzureCLIConfig
	logger zerolog.Logger
}

// NewAzureCLI creates a resolver that runs az through exec.
func NewAzureCLI(exec runner.Executor, cfg AzureCLIConfig) *AzureCLI {
	if cfg.Binary == "" {
		cfg.Binary = "az"
	}
	if cfg.Getenv == nil {
		cfg.Getenv = os.Getenv
	}
	return &AzureCLI{
		exec:   exec,
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "azure-cli").Logger(),
	}
}

type azSubscription struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsDefault bool   `json:"isDefault"`
}

// Resolve ensures the CLI is logged in, selects a subscription and waits
// until the CLI reports it as active.
func (a *AzureCLI) Resolve(ctx context.Context, hint Hint) (Account, error) {
	if a.cfg.SkipLoginCheck || truthy(a.cfg.Getenv("AZ_SKIP_LOGIN_CHECK")) {
		hint.log("[AUTH] Skipping Azure login check (AZ_SKIP_LOGIN_CHECK set)")
		return Account{ID: hint.SubscriptionID, Strategy: "skipped"}, nil
	}

	if _, err := a.Current(ctx); err != nil {
		if ctx.Err() != nil {
			return Account{}, ctx.Err()
		}
		if err := a.login(ctx, hint); err != nil {
			return Account{}, err
		}
	}

	chosen, err := a.pick(ctx, hint.SubscriptionID)
	if err != nil {
		return Account{}, err
	}

	if _, code, err := a.az(ctx, nil, "account", "set", "--subscription", chosen.ID); err != nil || code != 0 {
		return Account{}, fmt.Errorf("failed to set subscription (%s): %w", chosen.ID, exitErr(code, err))
	}

	acct, err := WaitReady(ctx, a.cfg.Ready, func(ctx context.Context) (Account, error) {
		cur, err := a.Current(ctx)
		if err != nil {
			return Account{}, err
		}
		if !strings.EqualFold(cur.ID, chosen.ID) {
			return Account{}, fmt.Errorf("active subscription is %s, waiting for %s", cur.ID, chosen.ID)
		}
		return cur, nil
	})
	if err != nil {
		return Account{}, fmt.Errorf("subscription %s not ready: %w", chosen.ID, err)
	}
	acct.Strategy = chosen.Strategy

	hint.log(fmt.Sprintf("[AUTH] Subscription set (%s): %s", acct.Strategy, acct.ID))
	a.logger.Info().Str("subscription", acct.ID).Str("strategy", acct.Strategy).Msg("Resolved Azure subscription")
	return acct, nil
}

func (a *AzureCLI) login(ctx context.Context, hint Hint) error {
	hint.log("[AUTH] Azure CLI not logged in, starting login")
	if _, code, err := a.az(ctx, hint.Log, "login"); err == nil && code == 0 {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	hint.log("[AUTH] Standard login failed, trying device code")
	if _, code, err := a.az(ctx, hint.Log, "login", "--use-device-code"); err == nil && code == 0 {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.New("azure CLI login failed (both standard and device code)")
}

// pick applies the subscription precedence: explicit, AZ_SUBSCRIPTION_ID,
// the only subscription, the default one, then the first listed.
func (a *AzureCLI) pick(ctx context.Context, explicit string) (Account, error) {
	if explicit != "" {
		return Account{ID: explicit, Strategy: "explicit"}, nil
	}
	if env := a.cfg.Getenv("AZ_SUBSCRIPTION_ID"); env != "" {
		return Account{ID: env, Strategy: "env"}, nil
	}

	out, code, err := a.az(ctx, nil, "account", "list", "--all", "-o", "json")
	if err != nil || code != 0 {
		return Account{}, fmt.Errorf("failed to list subscriptions: %w", exitErr(code, err))
	}
	var subs []azSubscription
	if err := decodeJSON(out, &subs); err != nil {
		return Account{}, fmt.Errorf("failed to parse subscriptions: %w", err)
	}

	switch {
	case len(subs) == 0:
		return Account{}, ErrNoAccount
	case len(subs) == 1:
		return Account{ID: subs[0].ID, Name: subs[0].Name, Strategy: "single"}, nil
	}
	for _, s := range subs {
		if s.IsDefault {
			return Account{ID: s.ID, Name: s.Name, Strategy: "default-flag"}, nil
		}
	}
	return Account{ID: subs[0].ID, Name: subs[0].Name, Strategy: "first"}, nil
}

// Current returns the subscription az is bound to.
func (a *AzureCLI) Current(ctx context.Context) (Account, error) {
	out, code, err := a.az(ctx, nil, "account", "show", "-o", "json")
	if err != nil || code != 0 {
		if ctx.Err() != nil {
			return Account{}, backoff.Permanent(ctx.Err())
		}
		return Account{}, fmt.Errorf("az account show failed: %w", exitErr(code, err))
	}
	var sub azSubscription
	if err := decodeJSON(out, &sub); err != nil {
		return Account{}, fmt.Errorf("failed to parse account: %w", err)
	}
	return Account{ID: sub.ID, Name: sub.Name}, nil
}

// Enrich fetches AI Services keys, storage credentials and, when search is
// included, the search query key. Each failure is reported as a warning.
func (a *AzureCLI) Enrich(ctx context.Context, req EnrichRequest, log func(string)) map[string]stores.Output {
	if log == nil {
		log = func(string) {}
	}
	out := make(map[string]stores.Output)
	rg := req.ResourceGroup

	log("Retrieving Azure OpenAI (AI Services) keys...")
	var aiKeys struct {
		Key1 string `json:"key1"`
		Key2 string `json:"key2"`
	}
	if err := a.azJSON(ctx, &aiKeys, "cognitiveservices", "account", "keys", "list",
		"-n", req.Names[naming.KeyAIServices], "-g", rg, "-o", "json"); err != nil {
		log("[WARN] Could not fetch Azure OpenAI keys")
		a.logger.Warn().Err(err).Msg("Failed to fetch AI Services keys")
	} else {
		putSecret(out, "azure_openai_api_key_primary", aiKeys.Key1)
		putSecret(out, "azure_openai_api_key_secondary", aiKeys.Key2)
	}

	log("Retrieving Storage connection string...")
	var conn struct {
		ConnectionString string `json:"connectionString"`
	}
	var storageKeys []struct {
		Value string `json:"value"`
	}
	storage := req.Names[naming.KeyStorageAccount]
	err := a.azJSON(ctx, &conn, "storage", "account", "show-connection-string", "-n", storage, "-g", rg, "-o", "json")
	if err == nil {
		err = a.azJSON(ctx, &storageKeys, "storage", "account", "keys", "list", "-n", storage, "-g", rg, "-o", "json")
	}
	if err != nil {
		log("[WARN] Could not fetch Storage credentials")
		a.logger.Warn().Err(err).Msg("Failed to fetch storage credentials")
	} else {
		putSecret(out, "storage_connection_string", conn.ConnectionString)
		if len(storageKeys) > 0 {
			putSecret(out, "storage_account_key", storageKeys[0].Value)
		}
	}

	if req.IncludeSearch {
		log("Retrieving Search service query key...")
		search := req.Names[naming.KeySearchService]
		var keys []struct {
			Key string `json:"key"`
		}
		if err := a.azJSON(ctx, &keys, "search", "query-key", "list", "--service-name", search, "-g", rg, "-o", "json"); err != nil {
			log("[WARN] Could not fetch Search credentials")
			a.logger.Warn().Err(err).Msg("Failed to fetch search key")
		} else if len(keys) > 0 && keys[0].Key != "" {
			out["azure_ai_search_url"] = stores.Output{
				Value: fmt.Sprintf("https://%s.search.windows.net", search),
				Type:  json.RawMessage(`"string"`),
			}
			putSecret(out, "azure_ai_search_key", keys[0].Key)
		}
	}

	return out
}

func (a *AzureCLI) azJSON(ctx context.Context, v any, args ...string) error {
	out, code, err := a.az(ctx, nil, args...)
	if err != nil || code != 0 {
		return exitErr(code, err)
	}
	return decodeJSON(out, v)
}

// az runs one az command and returns its merged output. Lines are also
// forwarded to sink when set.
func (a *AzureCLI) az(ctx context.Context, sink runner.LineFunc, args ...string) (string, int, error) {
	var b strings.Builder
	res, err := a.exec.Run(ctx, runner.Command{Argv: append([]string{a.cfg.Binary}, args...)}, func(line string) {
		b.WriteString(line)
		b.WriteByte('\n')
		if sink != nil {
			sink(line)
		}
	})
	if err != nil {
		return "", -1, err
	}
	if res.Cancelled {
		return b.String(), res.ExitCode, context.Canceled
	}
	return b.String(), res.ExitCode, nil
}

// decodeJSON decodes the first JSON value in s, skipping any warning lines
// az prints before it.
func decodeJSON(s string, v any) error {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return errors.New("no JSON document in output")
	}
	return json.NewDecoder(strings.NewReader(s[start:])).Decode(v)
}

func exitErr(code int, err error) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("exit code %d", code)
}

func putSecret(out map[string]stores.Output, key, value string) {
	if value == "" {
		return
	}
	out[key] = stores.Output{Value: value, Type: json.RawMessage(`"string"`), Sensitive: true}
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	}
	return false
}
