package hooks

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/blake2b"

	"github.com/OpenLiberty/open-liberty-sub342/internal/manifest"
	"github.com/OpenLiberty/open-liberty-sub342/internal/shared/codec"
	"github.com/OpenLiberty/open-liberty-sub342/internal/storage"
)

// DigestKey names the digest hook in configuration and in the record.
const DigestKey = "digest"

// ErrDigestMismatch reports content that changed since it was recorded.
var ErrDigestMismatch = errors.New("content digest mismatch")

// Digest is the content digest hook factory.
type Digest struct{}

// NewDigest returns the digest factory.
func NewDigest() *Digest { return &Digest{} }

func (*Digest) Key() string  { return DigestKey }
func (*Digest) Version() int { return 1 }

// Create declines Connect content, which has nothing on disk to hash.
func (*Digest) Create(g *storage.Generation) (storage.Hook, error) {
	if g.ContentType() == storage.ContentConnect {
		return nil, nil
	}
	return &digestHook{path: digestPath(g)}, nil
}

// digestPath is the file hashed for g. Directories are represented by their
// manifest.
func digestPath(g *storage.Generation) string {
	if g.IsDirectory() {
		return filepath.Join(g.Content(), filepath.FromSlash(manifest.Path))
	}
	return g.Content()
}

type digestRecord struct {
	Sum  []byte `cbor:"1,keyasint"`
	Size int64  `cbor:"2,keyasint"`
}

type digestHook struct {
	path string
	rec  digestRecord
}

func (h *digestHook) Initialize(manifest.Headers) error {
	rec, err := sum(h.path)
	if errors.Is(err, os.ErrNotExist) {
		// a directory without a manifest has nothing to hash
		h.rec = digestRecord{}
		return nil
	}
	if err != nil {
		return err
	}
	h.rec = rec
	return nil
}

func (h *digestHook) Validate() error {
	if h.rec.Sum == nil {
		return nil
	}
	rec, err := sum(h.path)
	if err != nil {
		return err
	}
	if rec.Size != h.rec.Size || !bytes.Equal(rec.Sum, h.rec.Sum) {
		return fmt.Errorf("%w: %s", ErrDigestMismatch, h.path)
	}
	return nil
}

func (h *digestHook) Save(w io.Writer) error {
	data, err := codec.Marshal(h.rec)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func (h *digestHook) Load(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	var rec digestRecord
	if err := codec.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("decode digest: %w", err)
	}
	if rec.Sum != nil && len(rec.Sum) != blake2b.Size256 {
		return fmt.Errorf("decode digest: sum has %d bytes", len(rec.Sum))
	}
	h.rec = rec
	return nil
}

func sum(path string) (digestRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return digestRecord{}, err
	}
	defer f.Close()
	hash, err := blake2b.New256(nil)
	if err != nil {
		return digestRecord{}, err
	}
	n, err := io.Copy(hash, f)
	if err != nil {
		return digestRecord{}, err
	}
	return digestRecord{Sum: hash.Sum(nil), Size: n}, nil
}
