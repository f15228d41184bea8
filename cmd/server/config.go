package main

import (
	"fmt"
	"time"
)

type config struct {
	Port       string `yaml:"port"`
	APIBaseURL string `yaml:"apiBaseURL"`

	// SourceSelection toggles the multi-source selection feature. Enabled
	// unless set to false explicitly.
	SourceSelection *bool `yaml:"sourceSelection"`

	// BuildPollIntervalSeconds is how often the build page polls progress
	// while a build is running.
	BuildPollIntervalSeconds int `yaml:"buildPollIntervalSeconds"`
}

func (c *config) validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("apiBaseURL is required")
	}
	if c.Port == "" {
		c.Port = "8080"
	}
	if c.BuildPollIntervalSeconds <= 0 {
		c.BuildPollIntervalSeconds = 2
	}
	return nil
}

func (c config) sourceSelection() bool {
	return c.SourceSelection == nil || *c.SourceSelection
}

func (c config) buildPollInterval() time.Duration {
	return time.Duration(c.BuildPollIntervalSeconds) * time.Second
}
