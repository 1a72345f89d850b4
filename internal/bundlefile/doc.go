// Package bundlefile reads bundle content from zip archives and directories
// and bounds how many archives are open at once.
//
// Components:
//   - ZipBundleFile: archive content, opened lazily and reopened on demand
//   - DirBundleFile: exploded directory content
//   - MRUList: most-recently-used list of open archives
//
// An archive is pinned while an entry reader obtained from it is open. The
// MRU list only closes archives that are not pinned; when every candidate is
// pinned the list temporarily exceeds its limit and trims itself again as
// readers are closed.
//
// Example Usage:
//
//	mru := bundlefile.NewMRUList(100, nil)
//	bf, err := bundlefile.Open(path, mru)
//	rc, err := bundlefile.OpenEntry(bf, "META-INF/MANIFEST.MF")
//	defer rc.Close()
package bundlefile
