// Package naming derives cloud resource names for a deployment from its
// resource group base.
//
// Every generated name is base + role code + random suffix, with the base
// trimmed so the result fits the provider's length limit for that role.
package naming

import (
	"crypto/rand"
	"math/big"
	"strings"
)

// Keys of the generated name map. They double as tfvars variable names.
const (
	KeyStorageAccount = "storage_account_name"
	KeySearchService  = "search_service_name"
	KeyAIServices     = "ai_services_name"
	KeyFoundryHub     = "ai_foundry_hub_name"
	KeyAppInsights    = "app_insights_name"
	KeyLogAnalytics   = "log_analytics_workspace_name"
	KeyProject        = "project_name"
	KeySuffix         = "suffix"
)

// SuffixLength is the length of the random suffix.
const SuffixLength = 5

const suffixAlphabet = "abcdefghijklmnopqrstuvwxyz"

// Role describes the naming rule for one resource kind.
type Role struct {
	Key   string
	Code  string
	Limit int
}

// Roles lists the naming rules in rendering order.
var Roles = []Role{
	{Key: KeyStorageAccount, Code: "stg", Limit: 24},
	{Key: KeySearchService, Code: "src", Limit: 60},
	{Key: KeyAIServices, Code: "ais", Limit: 40},
	{Key: KeyFoundryHub, Code: "hub", Limit: 40},
	{Key: KeyAppInsights, Code: "appi", Limit: 40},
	{Key: KeyProject, Code: "prj", Limit: 30},
	{Key: KeyLogAnalytics, Code: "law", Limit: 40},
}

// Flags tune name generation.
type Flags struct {
	// Suffix replaces the random suffix when set. It is sanitized like the base.
	Suffix string
}

// Names maps name keys to generated names.
type Names map[string]string

// Clone returns a copy of n.
func (n Names) Clone() Names {
	out := make(Names, len(n))
	for k, v := range n {
		out[k] = v
	}
	return out
}

// Sanitize lowercases s and keeps only ASCII letters and digits.
func Sanitize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// RandomSuffix returns SuffixLength random lowercase letters.
func RandomSuffix() string {
	buf := make([]byte, SuffixLength)
	max := big.NewInt(int64(len(suffixAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand does not fail on supported platforms
			panic(err)
		}
		buf[i] = suffixAlphabet[n.Int64()]
	}
	return string(buf)
}

// BuildNames generates the resource names for base.
func BuildNames(base string, flags Flags) Names {
	suffix := Sanitize(flags.Suffix)
	if suffix == "" {
		suffix = RandomSuffix()
	}
	b := Sanitize(base)

	names := Names{KeySuffix: suffix}
	for _, role := range Roles {
		names[role.Key] = Compose(b, role.Code, suffix, role.Limit)
	}
	return names
}

// Compose joins base, code and suffix, trimming base first and then the whole
// name so the result never exceeds limit.
func Compose(base, code, suffix string, limit int) string {
	room := limit - len(code) - len(suffix)
	if room < 0 {
		room = 0
	}
	if len(base) > room {
		base = base[:room]
	}
	name := base + code + suffix
	if len(name) > limit {
		name = name[:limit]
	}
	return name
}

// RoleFor returns the naming rule for key.
func RoleFor(key string) (Role, bool) {
	for _, r := range Roles {
		if r.Key == key {
			return r, true
		}
	}
	return Role{}, false
}
