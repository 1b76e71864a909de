// Package config defines the configuration of a stxt node.
//
// Values are filled by viper from a stxt.toml, stxt.yaml or stxt.json file
// in the data directory, and overridden by command line flags (cf
// cmd/stxt).
package config
