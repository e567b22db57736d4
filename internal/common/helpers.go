// Package common provides general utility helper functions and types
package common

import (
	"errors"
	"os"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"gopkg.in/yaml.v3"
)

// MakeConfig reads config file, merges with default config and returns a config instance.
func MakeConfig[T any](filePath string) (*T, error) {
	// Create a new pointer to config instance
	config := new(T)

	// If no config file path provided, return default config
	if filePath == "" {
		return config, errors.New("config file path missing")
	}

	// Read config file
	configFile, err := os.ReadFile(filePath)
	if err != nil {
		return config, err
	}

	if err := yaml.Unmarshal(configFile, config); err != nil {
		return config, err
	}

	return config, nil
}

// TimeTrack tracks execution time of each function.
func TimeTrack(start time.Time, name string, logger log.Logger) {
	level.Debug(logger).Log("msg", name, "elapsed_time", time.Since(start))
}
