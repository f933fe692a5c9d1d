package naming

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitize(t *testing.T) {
	assert.Equal(t, "myproj01", Sanitize("My-Proj_01"))
	assert.Equal(t, "", Sanitize("--__"))
	assert.Equal(t, "abc", Sanitize("ÄaBc"))
}

func TestRandomSuffix(t *testing.T) {
	for i := 0; i < 50; i++ {
		s := RandomSuffix()
		require.Len(t, s, SuffixLength)
		for _, r := range s {
			assert.True(t, r >= 'a' && r <= 'z', "unexpected rune %q", r)
		}
	}
}

func TestBuildNamesFixedSuffix(t *testing.T) {
	names := BuildNames("Demo", Flags{Suffix: "abcde"})

	assert.Equal(t, "abcde", names[KeySuffix])
	assert.Equal(t, "demostgabcde", names[KeyStorageAccount])
	assert.Equal(t, "demosrcabcde", names[KeySearchService])
	assert.Equal(t, "demoaisabcde", names[KeyAIServices])
	assert.Equal(t, "demohubabcde", names[KeyFoundryHub])
	assert.Equal(t, "demoappiabcde", names[KeyAppInsights])
	assert.Equal(t, "demoprjabcde", names[KeyProject])
	assert.Equal(t, "demolawabcde", names[KeyLogAnalytics])
	assert.Len(t, names, len(Roles)+1)
}

func TestBuildNamesRespectsLimits(t *testing.T) {
	base := strings.Repeat("x", 80)
	names := BuildNames(base, Flags{})

	for _, role := range Roles {
		name := names[role.Key]
		assert.LessOrEqual(t, len(name), role.Limit, role.Key)
		assert.True(t, strings.HasSuffix(name, role.Code+names[KeySuffix]), "%s = %s", role.Key, name)
	}
	assert.Len(t, names[KeyStorageAccount], 24)
}

func TestComposeTrimsWholeNameWhenCodeTooLong(t *testing.T) {
	assert.Equal(t, "stgab", Compose("base", "stg", "abcde", 5))
	assert.Equal(t, "basstgabcde", Compose("basename", "stg", "abcde", 11))
}

func TestScriptOverrides(t *testing.T) {
	names := BuildNames("demo", Flags{Suffix: "qwert"})
	script := NewScriptOverrides("names.star", `
def build():
    out = {"storage_account_name": base + "data" + suffix}
    if len(names["project_name"]) > 5:
        out["project_name"] = "p" + suffix
    return out

overrides = build()
`, time.Second, zerolog.Nop())

	out, err := script.Apply(context.Background(), "Demo", names)
	require.NoError(t, err)

	assert.Equal(t, "demodataqwert", out[KeyStorageAccount])
	assert.Equal(t, "pqwert", out[KeyProject])
	assert.Equal(t, names[KeyAIServices], out[KeyAIServices])
	assert.Equal(t, "demostgqwert", names[KeyStorageAccount], "input must not change")
}

func TestScriptOverridesWithoutOverrides(t *testing.T) {
	names := BuildNames("demo", Flags{Suffix: "qwert"})
	script := NewScriptOverrides("noop.star", `x = 1`, time.Second, zerolog.Nop())

	out, err := script.Apply(context.Background(), "demo", names)
	require.NoError(t, err)
	assert.Equal(t, names, out)
}

func TestScriptOverridesRejectsBadValues(t *testing.T) {
	names := BuildNames("demo", Flags{Suffix: "qwert"})

	cases := map[string]string{
		"unknown key": `overrides = {"vault_name": "abc"}`,
		"uppercase":   `overrides = {"project_name": "ABC"}`,
		"too long":    `overrides = {"storage_account_name": "a" * 30}`,
		"not a dict":  `overrides = ["a"]`,
		"syntax":      `overrides = {`,
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewScriptOverrides("bad.star", src, time.Second, zerolog.Nop()).
				Apply(context.Background(), "demo", names)
			assert.Error(t, err)
		})
	}
}

func TestScriptOverridesTimeout(t *testing.T) {
	names := BuildNames("demo", Flags{Suffix: "qwert"})
	script := NewScriptOverrides("loop.star", `
def spin():
    n = 0
    for i in range(100000000):
        n += i
    return n
x = spin()
`, 50*time.Millisecond, zerolog.Nop())

	_, err := script.Apply(context.Background(), "demo", names)
	assert.Error(t, err)
}
