// Package config loads the service configuration from defaults, an optional YAML
// file, a .env file and CLOSEST_* environment variables, and validates every section.
package config
