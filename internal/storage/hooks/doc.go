/*
Package hooks provides storage hook factories and the registry that maps
configured hook names to them.

The digest hook records a BLAKE2b-256 sum of each generation's content at
install time and rejects the generation at the next startup when the content
no longer matches, catching edits that keep the modification time.

Usage:

	factories, err := hooks.FromConfig(cfg.Storage.Hooks)
	st, err := storage.Open(storage.Options{Config: cfg, Hooks: factories})
*/
package hooks
