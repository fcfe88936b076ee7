// Package config handles configuration loading and management for splitrun.
//
// It provides functionality for:
//   - Loading configuration from splitrun.yaml, splitrun.json or .splitrunrc
//   - Reading the "splitrun" key of package.json when no config file exists
//   - Validating configuration documents against an embedded JSON schema
//   - Default configuration values and merging of overrides
package config
