package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Top-level YAML config key names used for shallow merge.
const (
	keyRunner   = "runner"
	keyStore    = "store"
	keyExecutor = "executor"
	keyCache    = "cache"
	keyLogging  = "logging"
	keyMetrics  = "metrics"
)

// ShallowMergeYAML loads a YAML file and merges its top-level keys onto
// target. A section present in the overlay replaces the whole section in
// target, starting from zero values; absent sections are left unchanged.
// Unknown keys are ignored.
func ShallowMergeYAML(target *Config, overlayPath string) error {
	if target == nil {
		return errors.New("nil target *Config in ShallowMergeYAML")
	}

	data, err := os.ReadFile(overlayPath)
	if err != nil {
		return fmt.Errorf("reading overlay file %s: %w", overlayPath, err)
	}

	var overlay map[string]yaml.Node
	if err = yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parsing overlay YAML from %s: %w", overlayPath, err)
	}

	for key, node := range overlay {
		if err = mergeSection(target, key, &node); err != nil {
			return fmt.Errorf("applying overlay section %q: %w", key, err)
		}
	}
	return nil
}

// mergeSection decodes node into a fresh value of the section named key.
func mergeSection(target *Config, key string, node *yaml.Node) error {
	switch key {
	case keyRunner:
		return replace(node, &target.Runner)
	case keyStore:
		return replace(node, &target.Store)
	case keyExecutor:
		return replace(node, &target.Executor)
	case keyCache:
		return replace(node, &target.Cache)
	case keyLogging:
		return replace(node, &target.Logging)
	case keyMetrics:
		return replace(node, &target.Metrics)
	default:
		return nil
	}
}

func replace[T any](node *yaml.Node, dst *T) error {
	var v T
	if err := node.Decode(&v); err != nil {
		return err
	}
	*dst = v
	return nil
}
