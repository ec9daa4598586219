// ABOUTME: Package documentation for config.
// ABOUTME: Describes YAML configuration loading for the chat client.

// Package config loads the client's YAML configuration, expanding
// ${VAR} environment references and parsing duration strings.
package config
