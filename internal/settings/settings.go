// Package settings layers configuration sources with koanf: built-in
// defaults, an optional YAML file, environment variables, then command-line
// flags. Keys are flat snake_case names.
package settings

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// ConfigFlag names the flag holding an optional YAML file path.
const ConfigFlag = "config"

type Source struct {
	// EnvPrefix selects variables such as INTERVIEW_RELAY_ADDR -> addr.
	EnvPrefix string
	Defaults  map[string]any
	// Aliases maps unprefixed variables (OPENAI_API_KEY) to keys.
	Aliases map[string]string
}

// Load merges every source into out, a struct with koanf tags.
func Load(cmd *cobra.Command, src Source, out any) error {
	k := koanf.New(".")

	for key, value := range src.Defaults {
		if err := k.Set(key, value); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	if path := configPath(cmd); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	for name, key := range src.Aliases {
		if v, ok := os.LookupEnv(name); ok && strings.TrimSpace(v) != "" {
			if err := k.Set(key, strings.TrimSpace(v)); err != nil {
				return fmt.Errorf("set %s: %w", name, err)
			}
		}
	}

	if src.EnvPrefix != "" {
		prefix := src.EnvPrefix
		err := k.Load(env.ProviderWithValue(prefix, ".", func(name, value string) (string, interface{}) {
			value = strings.TrimSpace(value)
			if value == "" {
				return "", nil
			}
			return strings.ToLower(strings.TrimPrefix(name, prefix)), value
		}), nil)
		if err != nil {
			return fmt.Errorf("load environment: %w", err)
		}
	}

	if cmd != nil {
		flags := cmd.Flags()
		err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			if f.Name == ConfigFlag {
				return "", nil
			}
			return FlagKey(f.Name), posflag.FlagVal(flags, f)
		}), nil)
		if err != nil {
			return fmt.Errorf("load flags: %w", err)
		}
	}

	if err := k.Unmarshal("", out); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// FlagKey turns a flag name like max-pending into its key max_pending.
func FlagKey(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}

func configPath(cmd *cobra.Command) string {
	if cmd == nil {
		return ""
	}
	f := cmd.Flags().Lookup(ConfigFlag)
	if f == nil {
		return ""
	}
	return strings.TrimSpace(f.Value.String())
}
