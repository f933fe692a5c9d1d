package naming

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// ScriptOverrides lets operators adjust generated names with a Starlark script.
//
// The script sees three predeclared values: base (sanitized), suffix and names
// (a dict of the generated names). It may assign a dict to the global
// `overrides`; each entry replaces the generated name for that key after
// validation against the role's length limit.
type ScriptOverrides struct {
	name    string
	source  string
	timeout time.Duration
	logger  zerolog.Logger
}

// LoadScript reads a naming script from path.
func LoadScript(path string, timeout time.Duration, logger zerolog.Logger) (*ScriptOverrides, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read naming script: %w", err)
	}
	return NewScriptOverrides(path, string(data), timeout, logger), nil
}

// NewScriptOverrides creates overrides from script source.
func NewScriptOverrides(name, source string, timeout time.Duration, logger zerolog.Logger) *ScriptOverrides {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &ScriptOverrides{
		name:    name,
		source:  source,
		timeout: timeout,
		logger:  logger.With().Str("component", "naming-script").Logger(),
	}
}

// Apply runs the script and returns names with the overrides applied. The
// input map is not modified.
func (s *ScriptOverrides) Apply(ctx context.Context, base string, names Names) (Names, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: "naming",
		Print: func(_ *starlark.Thread, msg string) {
			s.logger.Debug().Str("script", s.name).Msg(msg)
		},
	}

	stop := context.AfterFunc(ctx, func() {
		thread.Cancel(ctx.Err().Error())
	})
	defer stop()

	current := starlark.NewDict(len(names))
	for k, v := range names {
		if err := current.SetKey(starlark.String(k), starlark.String(v)); err != nil {
			return nil, err
		}
	}
	current.Freeze()

	predeclared := starlark.StringDict{
		"struct": starlarkstruct.Default,
		"base":   starlark.String(Sanitize(base)),
		"suffix": starlark.String(names[KeySuffix]),
		"names":  current,
	}

	globals, err := starlark.ExecFile(thread, s.name, s.source, predeclared)
	if err != nil {
		return nil, fmt.Errorf("naming script failed: %w", err)
	}

	out := names.Clone()
	raw, ok := globals["overrides"]
	if !ok || raw == starlark.None {
		return out, nil
	}
	dict, ok := raw.(*starlark.Dict)
	if !ok {
		return nil, fmt.Errorf("naming script: overrides must be a dict, got %s", raw.Type())
	}

	applied := make([]string, 0, dict.Len())
	for _, item := range dict.Items() {
		key, ok := starlark.AsString(item[0])
		if !ok {
			return nil, fmt.Errorf("naming script: override keys must be strings")
		}
		value, ok := starlark.AsString(item[1])
		if !ok {
			return nil, fmt.Errorf("naming script: override %q must be a string", key)
		}
		if err := validateOverride(key, value); err != nil {
			return nil, err
		}
		out[key] = value
		applied = append(applied, key)
	}

	sort.Strings(applied)
	s.logger.Debug().Strs("keys", applied).Msg("Applied naming overrides")
	return out, nil
}

func validateOverride(key, value string) error {
	role, ok := RoleFor(key)
	if !ok {
		return fmt.Errorf("naming script: unknown name key %q", key)
	}
	if value == "" || Sanitize(value) != value {
		return fmt.Errorf("naming script: %s must be lowercase letters and digits, got %q", key, value)
	}
	if len(value) > role.Limit {
		return fmt.Errorf("naming script: %s exceeds %d characters", key, role.Limit)
	}
	return nil
}
