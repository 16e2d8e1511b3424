// Package config loads, validates, and normalizes readalong configuration.
//
// Configuration is TOML, discovered at ~/.config/readalong/config.toml or a
// project-local readalong.toml, with every field optional. Path fields are
// tilde-expanded and made absolute during load.
package config
