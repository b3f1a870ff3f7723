package shadow

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/lumafs/shadowtick/pkg/bufpool"
)

// File is the shadow-file driver: the synchronous read/write surface the
// coordination engines use to publish and poll the header and index blocks.
//
// The writer opens with Create and owns the file until CloseAndUnlink; any
// number of readers open the same path with Open.
type File struct {
	f        *os.File
	path     string
	pageSize uint64
	syncPub  bool
	writable bool
}

// Create creates (or truncates) the shadow file for the writer.
//
// When syncOnPublish is set, every header write is followed by a data sync,
// making the publication durable rather than merely visible.
func Create(path string, pageSize uint64, syncOnPublish bool) (*File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("create shadow file %s: %w", path, err)
	}

	return &File{
		f:        f,
		path:     path,
		pageSize: pageSize,
		syncPub:  syncOnPublish,
		writable: true,
	}, nil
}

// Open opens an existing shadow file read-only for a reader.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open shadow file %s: %w", path, err)
	}

	return &File{f: f, path: path}, nil
}

// Path returns the shadow file path.
func (sf *File) Path() string {
	return sf.path
}

// Size returns the current shadow-file extent in bytes.
func (sf *File) Size() (uint64, error) {
	fi, err := sf.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat shadow file: %w", err)
	}
	return uint64(fi.Size()), nil
}

// Truncate sets the shadow-file extent.
func (sf *File) Truncate(size uint64) error {
	if err := sf.f.Truncate(int64(size)); err != nil {
		return fmt.Errorf("truncate shadow file to %d: %w", size, err)
	}
	return nil
}

// WriteImage writes a page image at the given byte offset.
func (sf *File) WriteImage(offset uint64, image []byte) error {
	if _, err := sf.f.WriteAt(image, int64(offset)); err != nil {
		return fmt.Errorf("write %d-byte image at %d: %w", len(image), offset, err)
	}
	return nil
}

// WriteIndex encodes and writes the index block for the given tick at
// indexOffset.
func (sf *File) WriteIndex(indexOffset uint64, tick uint64, entries []IndexEntry) error {
	size := IndexSize(uint32(len(entries)))
	buf := bufpool.Get(int(size))
	defer bufpool.Put(buf)

	image := EncodeIndex(tick, entries, buf)
	if _, err := sf.f.WriteAt(image, int64(indexOffset)); err != nil {
		return fmt.Errorf("write index (%d entries) at %d: %w", len(entries), indexOffset, err)
	}
	return nil
}

// WriteHeader encodes and writes the header at page 0.
//
// Publication barrier: the caller must have written the matching index block
// first. This ordering is what lets readers detect a mid-publication state.
func (sf *File) WriteHeader(h Header) error {
	buf := bufpool.Get(HeaderSize)
	defer bufpool.Put(buf)

	image := EncodeHeader(h, buf)
	if _, err := sf.f.WriteAt(image, 0); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	if sf.syncPub {
		if err := sf.datasync(); err != nil {
			return fmt.Errorf("sync after header write: %w", err)
		}
	}
	return nil
}

// GetTickAndIndex loads the current header and, unless headerOnly is set,
// the current index into idx (growing it as needed).
//
// Validation failures (truncated blocks, checksum mismatches, and a header
// whose tick differs from the index's) are reported as ErrTornRead: the
// writer was observed mid-publication (or has not published yet) and the
// caller should retry on its next tick. I/O errors are returned as-is and
// are fatal for the handle.
func (sf *File) GetTickAndIndex(headerOnly bool, idx *Index) (uint64, uint32, error) {
	hdrBuf := bufpool.Get(HeaderSize)
	defer bufpool.Put(hdrBuf)

	if err := sf.readAt(hdrBuf[:HeaderSize], 0); err != nil {
		return 0, 0, err
	}

	h, err := DecodeHeader(hdrBuf[:HeaderSize])
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %w", ErrTornRead, err)
	}

	if headerOnly {
		return h.Tick, 0, nil
	}

	idxBuf := bufpool.Get(int(h.IndexLength))
	defer bufpool.Put(idxBuf)

	if err := sf.readAt(idxBuf[:h.IndexLength], h.IndexOffset); err != nil {
		return 0, 0, err
	}

	// Grow the caller's index until the published entry count fits.
	for {
		idxTick, used, err := DecodeIndexInto(idxBuf[:h.IndexLength], idx.Slots())
		if errors.Is(err, ErrShortBlock) && IndexSize(idx.Len()) < h.IndexLength {
			if growErr := idx.Grow(GrownCapacity(idx.Len())); growErr != nil {
				return 0, 0, growErr
			}
			continue
		}
		if err != nil {
			return 0, 0, fmt.Errorf("%w: %w", ErrTornRead, err)
		}

		if idxTick != h.Tick {
			return 0, 0, fmt.Errorf("%w: header tick %d, index tick %d", ErrTornRead, h.Tick, idxTick)
		}

		idx.SetUsed(used)
		return h.Tick, used, nil
	}
}

// readAt fills buf from the given offset, mapping a short file to
// ErrTornRead (the writer may not have extended the file yet).
func (sf *File) readAt(buf []byte, offset uint64) error {
	n, err := sf.f.ReadAt(buf, int64(offset))
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		if n < len(buf) {
			return fmt.Errorf("%w: short read (%d of %d bytes at %d)", ErrTornRead, n, len(buf), offset)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %d bytes at %d: %w", len(buf), offset, err)
	}
	return nil
}

// Close closes the shadow file without removing it.
func (sf *File) Close() error {
	return sf.f.Close()
}

// CloseAndUnlink closes and removes the shadow file. Used on graceful writer
// close; a reader opening afterwards sees a missing file, not a stale tick.
func (sf *File) CloseAndUnlink() error {
	if err := sf.f.Close(); err != nil {
		return fmt.Errorf("close shadow file: %w", err)
	}
	if err := os.Remove(sf.path); err != nil {
		return fmt.Errorf("unlink shadow file: %w", err)
	}
	return nil
}
