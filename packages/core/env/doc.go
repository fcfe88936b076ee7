// Package env builds the environment handed to unit processes.
//
// It provides functionality for:
//   - Loading .env files (plain, quoted and export-prefixed assignments)
//   - Expanding ${VAR} references inside .env values
//   - Layering configured variables over the inherited process environment
package env
