// Package config loads the daemon configuration from a JSON file and
// resolves the YAML side files (chains, tokens, simulated market) relative
// to it.
package config
