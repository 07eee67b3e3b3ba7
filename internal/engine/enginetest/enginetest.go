// Package enginetest provides a small in-memory filesystem engine used by
// the FlashFS tests and the demo binary. It honors the engine contract —
// payload bytes travel through the HAL callbacks into real flash pages, a
// magic marker page distinguishes formatted from virgin flash, and error
// codes follow the engine taxonomy — but it keeps its directory in memory
// and performs no wear handling or garbage collection. It is a stand-in for
// a production engine, not a filesystem.
package enginetest

import (
	"bytes"

	"github.com/flashfs/flashfs/internal/engine"
	"github.com/flashfs/flashfs/pkg/types"
)

// magic marks page 0 of a formatted partition.
var magic = []byte("FLFS1\x00\x00\x00")

// maxHandles bounds open files per engine, mirroring a fixed descriptor
// table. Handles stay within 16 bits so they pack into coordinator
// descriptors.
const maxHandles = 32

// Engine is the reference in-memory engine. Not goroutine safe; the
// coordinator serializes access, as the engine contract permits.
type Engine struct {
	cfg     engine.Config
	mounted bool

	files    map[string]*file
	nextPage uint32

	handles map[engine.Handle]*openFile

	// FailMounts makes the next n Mount calls fail with ErrInternal,
	// regardless of flash content. Used to exercise the permanent
	// not-ready path.
	FailMounts int

	// FailOpens makes the next n Open calls fail with ErrInternal. Used to
	// exercise the record worker's failure reporting.
	FailOpens int

	// Calls counts engine entry points by name, for tests asserting that an
	// operation never reached the engine.
	Calls map[string]int
}

type file struct {
	pages []uint32
	size  int64
}

type openFile struct {
	name  string
	f     *file
	pos   int64
	flags types.OpenFlag
}

// New returns an empty, unmounted engine.
func New() *Engine {
	return &Engine{
		files:   make(map[string]*file),
		handles: make(map[engine.Handle]*openFile),
		Calls:   make(map[string]int),
	}
}

// Mount implements engine.Engine.
func (e *Engine) Mount(cfg engine.Config) error {
	e.Calls["mount"]++
	if e.FailMounts > 0 {
		e.FailMounts--
		return engine.ErrInternal
	}
	if e.mounted {
		return engine.ErrMounted
	}

	probe := make([]byte, len(magic))
	if err := cfg.HAL.Read(0, probe); err != nil {
		return err
	}
	if !bytes.Equal(probe, magic) {
		return engine.ErrNotAFilesystem
	}

	e.cfg = cfg
	e.mounted = true
	if e.nextPage == 0 {
		e.nextPage = 1 // page 0 holds the magic marker
	}
	return nil
}

// Unmount implements engine.Engine. Open handles are dropped.
func (e *Engine) Unmount() {
	e.Calls["unmount"]++
	e.mounted = false
	e.handles = make(map[engine.Handle]*openFile)
}

// Format implements engine.Engine: erase the partition, write the magic
// marker, and reset the directory.
func (e *Engine) Format(cfg engine.Config) error {
	e.Calls["format"]++
	if err := cfg.HAL.Erase(0, cfg.PhysSize); err != nil {
		return err
	}
	if err := cfg.HAL.Write(0, magic); err != nil {
		return err
	}
	e.cfg = cfg
	e.files = make(map[string]*file)
	e.handles = make(map[engine.Handle]*openFile)
	e.nextPage = 1
	return nil
}

// Open implements engine.Engine.
func (e *Engine) Open(path string, flags types.OpenFlag) (engine.Handle, error) {
	e.Calls["open"]++
	if !e.mounted {
		return 0, engine.ErrNotMounted
	}
	if e.FailOpens > 0 {
		e.FailOpens--
		return 0, engine.ErrInternal
	}

	f, exists := e.files[path]
	switch {
	case !exists && flags&types.Creat == 0:
		return 0, engine.ErrNotFound
	case !exists:
		f = &file{}
		e.files[path] = f
	case flags&types.Trunc != 0:
		// Orphaned pages are never reclaimed; acceptable for a test engine.
		f.pages = nil
		f.size = 0
	}

	h, err := e.allocHandle()
	if err != nil {
		return 0, err
	}
	e.handles[h] = &openFile{name: path, f: f, flags: flags}
	return h, nil
}

// Read implements engine.Engine. Reading at or past end of file returns 0.
func (e *Engine) Read(h engine.Handle, buf []byte) (int, error) {
	e.Calls["read"]++
	of, err := e.handle(h)
	if err != nil {
		return 0, err
	}
	if of.flags&types.ReadOnly == 0 {
		return 0, engine.ErrNotReadable
	}

	remain := of.f.size - of.pos
	if remain <= 0 {
		return 0, nil
	}
	n := len(buf)
	if int64(n) > remain {
		n = int(remain)
	}

	pageSize := int64(e.cfg.LogPageSize)
	for done := 0; done < n; {
		page := of.f.pages[of.pos/pageSize]
		off := of.pos % pageSize
		chunk := int(pageSize - off)
		if chunk > n-done {
			chunk = n - done
		}
		addr := page*e.cfg.LogPageSize + uint32(off)
		if err := e.cfg.HAL.Read(addr, buf[done:done+chunk]); err != nil {
			return done, err
		}
		done += chunk
		of.pos += int64(chunk)
	}
	return n, nil
}

// Write implements engine.Engine.
func (e *Engine) Write(h engine.Handle, buf []byte) (int, error) {
	e.Calls["write"]++
	of, err := e.handle(h)
	if err != nil {
		return 0, err
	}
	if of.flags&types.WriteOnly == 0 {
		return 0, engine.ErrNotWritable
	}
	if of.flags&types.Append != 0 {
		of.pos = of.f.size
	}

	pageSize := int64(e.cfg.LogPageSize)
	for done := 0; done < len(buf); {
		idx := of.pos / pageSize
		for int64(len(of.f.pages)) <= idx {
			page, err := e.allocPage()
			if err != nil {
				return done, err
			}
			of.f.pages = append(of.f.pages, page)
		}

		off := of.pos % pageSize
		chunk := int(pageSize - off)
		if chunk > len(buf)-done {
			chunk = len(buf) - done
		}
		addr := of.f.pages[idx]*e.cfg.LogPageSize + uint32(off)
		if err := e.cfg.HAL.Write(addr, buf[done:done+chunk]); err != nil {
			return done, err
		}
		done += chunk
		of.pos += int64(chunk)
		if of.pos > of.f.size {
			of.f.size = of.pos
		}
	}
	return len(buf), nil
}

// Seek implements engine.Engine.
func (e *Engine) Seek(h engine.Handle, offset int64, whence types.Whence) (int64, error) {
	e.Calls["seek"]++
	of, err := e.handle(h)
	if err != nil {
		return 0, err
	}

	var pos int64
	switch whence {
	case types.SeekSet:
		pos = offset
	case types.SeekCur:
		pos = of.pos + offset
	case types.SeekEnd:
		pos = of.f.size + offset
	default:
		return 0, engine.ErrInternal
	}
	if pos < 0 || pos > of.f.size {
		return 0, engine.ErrEndOfObject
	}
	of.pos = pos
	return pos, nil
}

// Flush implements engine.Engine. Writes are unbuffered here, so a flush
// only validates the handle.
func (e *Engine) Flush(h engine.Handle) error {
	e.Calls["flush"]++
	_, err := e.handle(h)
	return err
}

// Close implements engine.Engine.
func (e *Engine) Close(h engine.Handle) error {
	e.Calls["close"]++
	if _, err := e.handle(h); err != nil {
		return err
	}
	delete(e.handles, h)
	return nil
}

// Remove implements engine.Engine. Open handles to the removed file keep
// working until closed.
func (e *Engine) Remove(path string) error {
	e.Calls["remove"]++
	if !e.mounted {
		return engine.ErrNotMounted
	}
	if _, exists := e.files[path]; !exists {
		return engine.ErrNotFound
	}
	delete(e.files, path)
	return nil
}

// Stat implements engine.Engine.
func (e *Engine) Stat(h engine.Handle) (types.FileStat, error) {
	e.Calls["stat"]++
	of, err := e.handle(h)
	if err != nil {
		return types.FileStat{}, err
	}
	return types.FileStat{Size: of.f.size}, nil
}

// Info implements engine.Engine.
func (e *Engine) Info() (types.VolumeInfo, error) {
	e.Calls["info"]++
	if !e.mounted {
		return types.VolumeInfo{}, engine.ErrNotMounted
	}
	return types.VolumeInfo{
		Total: int64(e.cfg.PhysSize) - int64(e.cfg.LogPageSize),
		Used:  int64(e.nextPage-1) * int64(e.cfg.LogPageSize),
	}, nil
}

func (e *Engine) handle(h engine.Handle) (*openFile, error) {
	if !e.mounted {
		return nil, engine.ErrNotMounted
	}
	of, ok := e.handles[h]
	if !ok {
		return nil, engine.ErrBadHandle
	}
	return of, nil
}

func (e *Engine) allocHandle() (engine.Handle, error) {
	for h := engine.Handle(1); h <= maxHandles; h++ {
		if _, used := e.handles[h]; !used {
			return h, nil
		}
	}
	return 0, engine.ErrInternal
}

var _ engine.Engine = (*Engine)(nil)

// allocPage hands out flash pages bump-style. Pages are never reclaimed.
func (e *Engine) allocPage() (uint32, error) {
	if e.nextPage >= e.cfg.PhysSize/e.cfg.LogPageSize {
		return 0, engine.ErrFull
	}
	p := e.nextPage
	e.nextPage++
	return p, nil
}
