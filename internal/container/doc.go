// Package container is the module database the storage engine installs into
// and persists through.
//
// The container owns module identity (id assignment and the location index),
// the current revision of every module and the structural descriptor of each
// revision (capabilities and requirements derived from bundle headers). It
// does not resolve or wire modules; Refresh only retires revisions that were
// replaced by an update.
//
// Components:
//   - Container: module table guarded by a read/write lock
//   - Descriptor: capabilities/requirements built from headers
//   - Snapshot: a consistent read-locked view used during checkpoints
//
// Revisions carry an opaque Info value. The storage engine stores its
// generation there and resolves it again by module id on load, so the
// container never holds an owning reference back into storage.
//
// Example Usage:
//
//	c := container.New()
//	id := c.NextID()
//	m, err := c.Install(id, "app:service-a", descriptor, generation)
//	err = c.View(func(s *container.Snapshot) error {
//	    return s.Store(w)
//	})
package container
