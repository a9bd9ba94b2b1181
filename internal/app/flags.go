// v1
// internal/app/flags.go
package app

import (
	"os"
	"strings"

	"gopkg.in/urfave/cli.v1"

	"nrgchamp/meterchain/internal/config"
)

var PropertiesFlag = cli.StringFlag{
	Name:   "properties",
	Usage:  "properties file layered over the defaults",
	EnvVar: "METERCHAIN_PROPERTIES_PATH",
}

// FlagName maps a config key to its command line flag.
func FlagName(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}

// ConfigFlags exposes every config key as a string flag. Flags win over
// every other configuration layer.
func ConfigFlags() []cli.Flag {
	keys := config.Keys()
	flags := make([]cli.Flag, 0, len(keys)+1)
	flags = append(flags, PropertiesFlag)
	for _, key := range keys {
		flags = append(flags, cli.StringFlag{
			Name:  FlagName(key),
			Usage: "overrides " + config.EnvKey(key),
		})
	}
	return flags
}

// LoadConfig resolves base plus every configuration layer and the flags set
// on c, then validates the result.
func LoadConfig(c *cli.Context, base config.Config) (config.Config, error) {
	if p := strings.TrimSpace(c.String(PropertiesFlag.Name)); p != "" {
		if err := os.Setenv(PropertiesFlag.EnvVar, p); err != nil {
			return config.Config{}, err
		}
	}
	cfg, err := config.LoadFrom(base)
	if err != nil {
		return config.Config{}, err
	}
	for _, key := range config.Keys() {
		name := FlagName(key)
		if !c.IsSet(name) {
			continue
		}
		if err := cfg.Set(key, c.String(name)); err != nil {
			return config.Config{}, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
