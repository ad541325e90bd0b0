// Package config loads a pkg/config.Config from a YAML file and the
// process environment, the way the teacher's internal/config loaded a
// distributed-node config: defaults first, file second, environment
// last, via spf13/viper.
package config

import (
	"bytes"
	"fmt"

	"github.com/khryptorgraphics/p2pconnect/pkg/config"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configFile (or the standard search path if empty) over top
// of config.Default(), applies P2PCONNECT_-prefixed environment
// overrides, and validates the result.
func Load(configFile string) (*config.Config, error) {
	cfg := config.Default()

	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("p2pconnect")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.p2pconnect")
		v.AddConfigPath("/etc/p2pconnect")
	}

	v.SetEnvPrefix("P2PCONNECT")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Save writes cfg to filename in the format viper infers from its
// extension.
func Save(cfg *config.Config, filename string) error {
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(b)); err != nil {
		return err
	}
	return v.WriteConfigAs(filename)
}
