package credentials

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/provisioner/pkg/naming"
	"github.com/openfroyo/provisioner/pkg/runner"
)

type response struct {
	out  string
	code int
}

// fakeAz answers az invocations by their joined arguments. A key may hold a
// sequence of responses; the last one repeats.
type fakeAz struct {
	mu    sync.Mutex
	resp  map[string][]response
	calls []string
}

func newFakeAz() *fakeAz {
	return &fakeAz{resp: map[string][]response{}}
}

func (f *fakeAz) on(args string, rs ...response) {
	f.resp[args] = rs
}

func (f *fakeAz) Run(_ context.Context, cmd runner.Command, onLine runner.LineFunc) (runner.Result, error) {
	key := strings.Join(cmd.Argv[1:], " ")
	f.mu.Lock()
	f.calls = append(f.calls, key)
	rs, ok := f.resp[key]
	var r response
	if ok {
		r = rs[0]
		if len(rs) > 1 {
			f.resp[key] = rs[1:]
		}
	}
	f.mu.Unlock()

	if !ok {
		return runner.Result{ExitCode: 1}, nil
	}
	for _, l := range strings.Split(strings.TrimRight(r.out, "\n"), "\n") {
		if l != "" {
			onLine(l)
		}
	}
	return runner.Result{ExitCode: r.code}, nil
}

func (f *fakeAz) called(args string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == args {
			return true
		}
	}
	return false
}

const (
	showArgs = "account show -o json"
	listArgs = "account list --all -o json"
)

func newCLI(f *fakeAz, env map[string]string) *AzureCLI {
	return NewAzureCLI(f, AzureCLIConfig{
		Logger: zerolog.Nop(),
		Ready:  ReadyConfig{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, Timeout: time.Second},
		Getenv: func(k string) string { return env[k] },
	})
}

func logSink() (*[]string, func(string)) {
	var mu sync.Mutex
	var lines []string
	return &lines, func(l string) {
		mu.Lock()
		lines = append(lines, l)
		mu.Unlock()
	}
}

func TestResolveSkipLoginCheck(t *testing.T) {
	f := newFakeAz()
	cli := newCLI(f, map[string]string{"AZ_SKIP_LOGIN_CHECK": "Yes"})

	lines, sink := logSink()
	acct, err := cli.Resolve(context.Background(), Hint{Log: sink})
	require.NoError(t, err)
	assert.Equal(t, "skipped", acct.Strategy)
	assert.Empty(t, f.calls)
	assert.Contains(t, (*lines)[0], "AZ_SKIP_LOGIN_CHECK")
}

func TestResolvePicksDefaultSubscription(t *testing.T) {
	f := newFakeAz()
	f.on(showArgs,
		response{out: `{"id":"sub-a","name":"A"}`},
		response{out: `{"id":"sub-a","name":"A"}`},
		response{out: `{"id":"sub-b","name":"B"}`},
	)
	f.on(listArgs, response{out: `[{"id":"sub-a","name":"A"},{"id":"sub-b","name":"B","isDefault":true}]`})
	f.on("account set --subscription sub-b", response{})
	cli := newCLI(f, nil)

	lines, sink := logSink()
	acct, err := cli.Resolve(context.Background(), Hint{Log: sink})
	require.NoError(t, err)

	assert.Equal(t, "sub-b", acct.ID)
	assert.Equal(t, "B", acct.Name)
	assert.Equal(t, "default-flag", acct.Strategy)
	assert.Contains(t, *lines, "[AUTH] Subscription set (default-flag): sub-b")
	assert.False(t, f.called("login"))
}

func TestResolvePrecedence(t *testing.T) {
	t.Run("explicit", func(t *testing.T) {
		f := newFakeAz()
		f.on(showArgs, response{out: `{"id":"sub-x"}`})
		f.on("account set --subscription sub-x", response{})
		acct, err := newCLI(f, map[string]string{"AZ_SUBSCRIPTION_ID": "sub-env"}).
			Resolve(context.Background(), Hint{SubscriptionID: "sub-x"})
		require.NoError(t, err)
		assert.Equal(t, "explicit", acct.Strategy)
		assert.False(t, f.called(listArgs))
	})

	t.Run("env", func(t *testing.T) {
		f := newFakeAz()
		f.on(showArgs, response{out: `{"id":"sub-env"}`})
		f.on("account set --subscription sub-env", response{})
		acct, err := newCLI(f, map[string]string{"AZ_SUBSCRIPTION_ID": "sub-env"}).
			Resolve(context.Background(), Hint{})
		require.NoError(t, err)
		assert.Equal(t, "env", acct.Strategy)
	})

	t.Run("single", func(t *testing.T) {
		f := newFakeAz()
		f.on(showArgs, response{out: `{"id":"only"}`})
		f.on(listArgs, response{out: "WARNING: noise\n" + `[{"id":"only"}]`})
		f.on("account set --subscription only", response{})
		acct, err := newCLI(f, nil).Resolve(context.Background(), Hint{})
		require.NoError(t, err)
		assert.Equal(t, "single", acct.Strategy)
	})

	t.Run("first", func(t *testing.T) {
		f := newFakeAz()
		f.on(showArgs, response{out: `{"id":"one"}`})
		f.on(listArgs, response{out: `[{"id":"one"},{"id":"two"}]`})
		f.on("account set --subscription one", response{})
		acct, err := newCLI(f, nil).Resolve(context.Background(), Hint{})
		require.NoError(t, err)
		assert.Equal(t, "first", acct.Strategy)
	})

	t.Run("none", func(t *testing.T) {
		f := newFakeAz()
		f.on(showArgs, response{out: `{"id":"one"}`})
		f.on(listArgs, response{out: `[]`})
		_, err := newCLI(f, nil).Resolve(context.Background(), Hint{})
		assert.ErrorIs(t, err, ErrNoAccount)
	})
}

func TestResolveFallsBackToDeviceCode(t *testing.T) {
	f := newFakeAz()
	f.on(showArgs, response{code: 1}, response{out: `{"id":"sub-a"}`})
	f.on("login", response{out: "browser unavailable", code: 1})
	f.on("login --use-device-code", response{out: "To sign in, use a web browser to open the page"})
	f.on("account set --subscription sub-a", response{})
	cli := newCLI(f, map[string]string{"AZ_SUBSCRIPTION_ID": "sub-a"})

	lines, sink := logSink()
	_, err := cli.Resolve(context.Background(), Hint{Log: sink})
	require.NoError(t, err)
	assert.Contains(t, *lines, "To sign in, use a web browser to open the page")
}

func TestResolveLoginFailure(t *testing.T) {
	f := newFakeAz()
	f.on(showArgs, response{code: 1})
	f.on("login", response{code: 1})
	f.on("login --use-device-code", response{code: 1})

	_, err := newCLI(f, nil).Resolve(context.Background(), Hint{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "login failed")
}

func TestResolveWaitsForActiveSubscription(t *testing.T) {
	f := newFakeAz()
	f.on(showArgs,
		response{out: `{"id":"old"}`},
		response{out: `{"id":"old"}`},
		response{out: `{"id":"old"}`},
		response{out: `{"id":"new","name":"New"}`},
	)
	f.on("account set --subscription new", response{})

	acct, err := newCLI(f, nil).Resolve(context.Background(), Hint{SubscriptionID: "new"})
	require.NoError(t, err)
	assert.Equal(t, "new", acct.ID)
	assert.Equal(t, "explicit", acct.Strategy)
}

func TestWaitReadyTimesOut(t *testing.T) {
	calls := 0
	_, err := WaitReady(context.Background(), ReadyConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Timeout:         30 * time.Millisecond,
	}, func(context.Context) (Account, error) {
		calls++
		return Account{}, errors.New("not yet")
	})
	require.Error(t, err)
	assert.Greater(t, calls, 1)
}

func TestStaticResolver(t *testing.T) {
	s := &Static{Account: Account{ID: "fixed"}}

	acct, err := s.Resolve(context.Background(), Hint{})
	require.NoError(t, err)
	assert.Equal(t, Account{ID: "fixed", Strategy: "static"}, acct)

	acct, err = s.Resolve(context.Background(), Hint{SubscriptionID: "other"})
	require.NoError(t, err)
	assert.Equal(t, "other", acct.ID)
}

func TestEnrich(t *testing.T) {
	names := naming.BuildNames("demo", naming.Flags{Suffix: "abcde"})
	f := newFakeAz()
	f.on("cognitiveservices account keys list -n demoaisabcde -g RG-demo -o json",
		response{out: `{"key1":"k1","key2":"k2"}`})
	f.on("storage account show-connection-string -n demostgabcde -g RG-demo -o json",
		response{out: `{"connectionString":"DefaultEndpointsProtocol=https"}`})
	f.on("storage account keys list -n demostgabcde -g RG-demo -o json",
		response{out: `[{"value":"sk1"},{"value":"sk2"}]`})

	lines, sink := logSink()
	out := newCLI(f, nil).Enrich(context.Background(), EnrichRequest{
		ResourceGroup: "RG-demo",
		Names:         names,
		IncludeSearch: true,
	}, sink)

	assert.Equal(t, "k1", out["azure_openai_api_key_primary"].Value)
	assert.True(t, out["azure_openai_api_key_primary"].Sensitive)
	assert.Equal(t, "k2", out["azure_openai_api_key_secondary"].Value)
	assert.Equal(t, "DefaultEndpointsProtocol=https", out["storage_connection_string"].Value)
	assert.Equal(t, "sk1", out["storage_account_key"].Value)
	_, ok := out["azure_ai_search_key"]
	assert.False(t, ok)
	assert.Contains(t, *lines, "[WARN] Could not fetch Search credentials")
}

func TestEnrichSearch(t *testing.T) {
	names := naming.BuildNames("demo", naming.Flags{Suffix: "abcde"})
	f := newFakeAz()
	f.on("search query-key list --service-name demosrcabcde -g RG-demo -o json",
		response{out: `[{"key":"q1","name":"default"}]`})

	lines, sink := logSink()
	out := newCLI(f, nil).Enrich(context.Background(), EnrichRequest{
		ResourceGroup: "RG-demo",
		Names:         names,
		IncludeSearch: true,
	}, sink)

	assert.Equal(t, "https://demosrcabcde.search.windows.net", out["azure_ai_search_url"].Value)
	assert.False(t, out["azure_ai_search_url"].Sensitive)
	assert.Equal(t, "q1", out["azure_ai_search_key"].Value)
	assert.Contains(t, *lines, "[WARN] Could not fetch Azure OpenAI keys")
	assert.Contains(t, *lines, "[WARN] Could not fetch Storage credentials")
}
