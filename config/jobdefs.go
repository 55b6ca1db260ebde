package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/voronovm/workplanner/internal/runner"
)

// LoadJobDefinitions reads the named-schedule list the runner drives from a
// YAML file at path. Unlike Config (flat process settings, a good fit for
// caarlos0/env), this is a list of structured records — env vars can't
// express that shape, so it goes through viper instead.
func LoadJobDefinitions(path string) ([]runner.JobDefinition, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read job definitions: %w", err)
	}

	var defs []runner.JobDefinition
	if err := v.UnmarshalKey("jobs", &defs); err != nil {
		return nil, fmt.Errorf("parse job definitions: %w", err)
	}
	return defs, nil
}
