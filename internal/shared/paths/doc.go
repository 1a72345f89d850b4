// Package paths defines the on-disk layout of a storage root.
//
// # Directory Structure
//
//	<root>/
//	  ├── framework.info          (persistent record)
//	  ├── .manager/               (lock file)
//	  ├── stage/                  (content being staged)
//	  ├── LIB_TEMP/<id>[/<n>]/    (extracted native libraries)
//	  └── <id>/
//	      ├── .delete             (marker: remove this directory)
//	      └── <generation>/
//	          ├── bundleFile      (owned content)
//	          └── .cp/            (files extracted from the content)
//
// # Usage
//
//	layout := paths.New("/var/lib/modules")
//	content := layout.Generation(12, 3).Content()
//	rel, err := layout.Rel(content)
package paths
