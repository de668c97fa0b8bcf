// Package config loads and validates TasFleet Core configuration.
//
// Configuration comes from a YAML file with three layers of precedence:
// hardcoded defaults, file values, then TASFLEET_* environment variable
// overrides (used for secrets and container deployments).
//
// The root Config struct mirrors the YAML structure one-to-one; every
// section has its own typed struct so packages can depend on just the
// slice of configuration they need.
package config
