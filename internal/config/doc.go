// Package config loads, normalizes, and validates livecaption configuration.
//
// Values come from repository defaults, then an optional TOML file, then
// environment overrides (OPENAI_API_KEY, XL8_API_KEY, LIVECAPTION_OUTPUT_DIR).
// Durations are written as Go duration strings such as "6s" or "500ms".
package config
