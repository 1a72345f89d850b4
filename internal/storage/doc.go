/*
Package storage persists installed modules and their content.

# Overview

A Storage owns a root directory holding every installed module's content and
a single versioned record file, framework.info, from which the module table
is rebuilt on the next start. Each module is a BundleInfo; each installed
revision of its content is a Generation. Owned content lives at

	<root>/<moduleId>/<generationId>/bundleFile

Content may also be referenced in place (Reference) or supplied by a
ConnectProvider (Connect), in which case nothing is copied.

An optional read-only parent root is consulted for files the writable root
lacks, letting several instances share one installation.

# Hooks

HookFactory implementations attach versioned per-generation data that is
saved and loaded with the record. Unknown hook blocks are skipped on load;
hooks whose block is missing are initialized again from the headers.

# Usage

	s, err := storage.Open(storage.Options{Config: cfg, Logger: log})
	if err != nil {
		return err
	}
	defer s.Close()

	m, err := s.Install(ctx, nil, "app:service-a", bytes.NewReader(jar))
*/
package storage
