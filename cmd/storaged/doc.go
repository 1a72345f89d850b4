// Package main is the storaged command, an operator tool for a module
// storage root.
//
// It opens the root named by the configuration, performs one command and
// closes the root again, saving the record.
//
// Commands:
//
//	list                      print installed modules as JSON
//	install <location> [-file path]
//	update <location> [-file path]
//	uninstall <location>
//	compact                   remove marked, orphaned and stale content
//	system                    print the resolved system capabilities
//	metrics                   print metrics in the Prometheus text format
//
// Configuration:
//   - STORAGE_CONFIG_FILE or -config names a TOML file
//   - Environment variables (STORAGE_ROOT, STORAGE_READ_ONLY, ...)
//   - -root and -dev flags override both
//
// Usage:
//
//	./storaged -root /var/lib/modules install reference:file:/opt/app/api.jar
//	./storaged -root /var/lib/modules list
package main
