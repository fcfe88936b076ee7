// Package cmd implements the splitrun CLI commands using Cobra.
//
// Available commands:
//   - run: Run test files across workers, optionally one shard of them
//   - list: Show the worker assignment without running anything
//   - history: Show recorded runs and the slowest files
//   - validate: Check a config file against the schema
//   - init: Create a starter splitrun.yaml
//   - version: Show splitrun version information
//   - completion: Generate shell completion scripts
//
// Flags default from SPLITRUN_* environment variables and override the
// config file. Exit codes are listed in exitcodes.go.
package cmd
