// Package manifest parses bundle manifests and the clause syntax used by
// bundle headers.
//
// A manifest is a set of "Name: value" lines where long values continue on
// following lines that start with a single space. Only the main section is
// read; per-entry sections are ignored.
//
// Header values such as Export-Package are lists of clauses:
//
//	org.example.api;version="1.2",org.example.spi;resolution:=optional
//
// ParseHeader splits them into Elements carrying the clause paths, the
// attributes (name=value) and the directives (name:=value).
package manifest
