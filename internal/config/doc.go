// Package config loads the GigaCrew daemon configuration from a JSON file,
// overlays GIGACREW_* environment variables, fills defaults and validates
// the roles that are enabled.
package config
