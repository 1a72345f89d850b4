// Package config loads storage configuration.
//
// Values come from three layers, later layers winning:
//   - Default(): built-in defaults
//   - an optional TOML file named by STORAGE_CONFIG_FILE
//   - environment variables (kelseyhightower/envconfig)
//
// Example file:
//
//	[storage]
//	root = "/var/lib/modules"
//	open_file_limit = 200
//	hooks = ["digest"]
//
//	[system]
//	runtime_version = 21
package config
