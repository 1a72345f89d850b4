package storage

import (
	"bytes"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/OpenLiberty/open-liberty-sub342/internal/manifest"
)

// HookFactory contributes per-generation data saved with the record. The
// key names the factory's block in the record; a change of Version makes
// older blocks unreadable, so their hooks are initialized again.
type HookFactory interface {
	Key() string
	Version() int
	// Create returns the hook for g, or nil to decline.
	Create(g *Generation) (Hook, error)
}

// Hook is the data one factory keeps for one generation.
type Hook interface {
	// Initialize builds fresh data from the generation's headers.
	Initialize(headers manifest.Headers) error
	// Validate reports an error when the generation must be discarded.
	Validate() error
	Save(w io.Writer) error
	Load(r io.Reader) error
}

type hookChain struct {
	factories []HookFactory
	keys      map[string]int
	log       *zap.Logger
}

func newHookChain(factories []HookFactory, log *zap.Logger) (*hookChain, error) {
	c := &hookChain{
		factories: factories,
		keys:      make(map[string]int, len(factories)),
		log:       log,
	}
	for i, f := range factories {
		if f == nil || f.Key() == "" {
			return nil, fmt.Errorf("hook factory %d has no key", i)
		}
		if _, dup := c.keys[f.Key()]; dup {
			return nil, fmt.Errorf("duplicate hook factory %q", f.Key())
		}
		c.keys[f.Key()] = i
	}
	return c, nil
}

func (c *hookChain) index(key string) (int, bool) {
	i, ok := c.keys[key]
	return i, ok
}

// attach creates and initializes every hook for a new generation. The
// system module gets none.
func (c *hookChain) attach(g *Generation) error {
	if g.info.id == 0 {
		return nil
	}
	headers, err := g.Headers()
	if err != nil {
		return err
	}
	for i, f := range c.factories {
		h, err := f.Create(g)
		if err != nil {
			return fmt.Errorf("hook %s: %w", f.Key(), err)
		}
		if h == nil {
			continue
		}
		if err := h.Initialize(headers); err != nil {
			return fmt.Errorf("hook %s: initialize: %w", f.Key(), err)
		}
		g.hooks[i] = h
	}
	return nil
}

// reinitialize recreates one factory's hook for a loaded generation.
func (c *hookChain) reinitialize(g *Generation, i int) {
	if g.info.id == 0 {
		return
	}
	f := c.factories[i]
	headers, err := g.Headers()
	if err != nil {
		headers = g.CachedHeaders()
	}
	h, err := f.Create(g)
	if err == nil && h != nil {
		err = h.Initialize(headers)
	}
	if err != nil {
		c.log.Warn("Failed to initialize hook",
			zap.String("hook", f.Key()),
			zap.Int64("module_id", g.info.id),
			zap.Error(err))
		h = nil
	}
	g.hooks[i] = h
}

// revalidate returns the first hook validation failure.
func (c *hookChain) revalidate(g *Generation) error {
	for i, h := range g.hooks {
		if h == nil {
			continue
		}
		if err := h.Validate(); err != nil {
			return fmt.Errorf("hook %s: %w", c.factories[i].Key(), err)
		}
	}
	return nil
}

// save writes one length-prefixed block per factory covering gens in order.
func (c *hookChain) save(w *dataWriter, gens []*Generation) {
	w.writeInt32(int32(len(c.factories)))
	for i, f := range c.factories {
		var block bytes.Buffer
		bw := newDataWriter(&block)
		for _, g := range gens {
			h := g.hooks[i]
			bw.writeBool(h != nil)
			if h == nil {
				continue
			}
			var data bytes.Buffer
			if err := h.Save(&data); err != nil {
				w.fail(fmt.Errorf("hook %s: save module %d: %w", f.Key(), g.info.id, err))
				return
			}
			bw.writeBytes(data.Bytes())
		}
		if err := bw.flush(); err != nil {
			w.fail(err)
			return
		}
		w.writeUTF(f.Key())
		w.writeInt32(int32(f.Version()))
		w.writeBytes(block.Bytes())
	}
}

// load reads the hook blocks. Blocks of unknown factories are skipped;
// registered factories without a usable block are initialized from headers.
func (c *hookChain) load(r *dataReader, gens []*Generation) error {
	loaded := make([]bool, len(c.factories))

	count := r.readInt32()
	if r.err == nil && count < 0 {
		return fmt.Errorf("%w: negative hook count", ErrCorruptRecord)
	}
	for n := int32(0); n < count && r.err == nil; n++ {
		key := r.readUTF()
		version := int(r.readInt32())
		block := r.readBytes()
		if r.err != nil {
			break
		}
		i, ok := c.keys[key]
		if !ok {
			c.log.Debug("Skipping unknown hook block", zap.String("hook", key))
			continue
		}
		if version != c.factories[i].Version() {
			c.log.Info("Hook format changed; initializing again",
				zap.String("hook", key),
				zap.Int("saved", version),
				zap.Int("current", c.factories[i].Version()))
			continue
		}
		if err := c.loadBlock(i, block, gens); err != nil {
			c.log.Warn("Failed to load hook block", zap.String("hook", key), zap.Error(err))
			continue
		}
		loaded[i] = true
	}
	if r.err != nil {
		return r.err
	}

	for i, ok := range loaded {
		if ok {
			continue
		}
		for _, g := range gens {
			c.reinitialize(g, i)
		}
	}
	return nil
}

func (c *hookChain) loadBlock(i int, block []byte, gens []*Generation) error {
	f := c.factories[i]
	br := newDataReader(bytes.NewReader(block))
	hooks := make([]Hook, len(gens))
	for j, g := range gens {
		if !br.readBool() {
			continue
		}
		data := br.readBytes()
		if br.err != nil {
			return br.err
		}
		h, err := f.Create(g)
		if err != nil {
			return fmt.Errorf("create for module %d: %w", g.info.id, err)
		}
		if h == nil {
			continue
		}
		if err := h.Load(bytes.NewReader(data)); err != nil {
			return fmt.Errorf("load for module %d: %w", g.info.id, err)
		}
		hooks[j] = h
	}
	if br.err != nil {
		return br.err
	}
	for j, g := range gens {
		g.hooks[i] = hooks[j]
	}
	return nil
}
