// Package configs provides the embedded configuration template for fastsearchd.
//
// The template is embedded at build time via Go's //go:embed directive so it
// ships with every distribution (source builds, binary releases) without a
// separate data file to install alongside the binary.
//
// Used by cmd/fastsearchd's `config init` subcommand to materialize a
// starting config.yaml. The lookup order applied when loading a config file
// at runtime is documented on internal/config.Load.
package configs

import _ "embed"

// ConfigTemplate is the starting config.yaml written by `fastsearchd config
// init`. It documents every top-level key (daemon, models, memory,
// compaction) with the built-in defaults.
//
//go:embed fastsearch.example.yaml
var ConfigTemplate string
