package weights

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	mmap "github.com/edsrzf/mmap-go"

	"github.com/23skdu/longbow-splitter/internal/logger"
	"github.com/23skdu/longbow-splitter/internal/tensor"
)

// WriteFile writes one shard: an Arrow IPC file holding items as rows.
func WriteFile(path string, items []Named) error {
	mem := memory.NewGoAllocator()
	rec, err := encodeRecord(mem, items)
	if err != nil {
		return err
	}
	defer rec.Release()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create shard: %w", err)
	}
	defer f.Close()

	w, err := ipc.NewFileWriter(f, ipc.WithSchema(tensorSchema), ipc.WithAllocator(mem))
	if err != nil {
		return fmt.Errorf("open shard writer: %w", err)
	}
	if err := w.Write(rec); err != nil {
		w.Close()
		return fmt.Errorf("write shard %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close shard writer: %w", err)
	}
	return f.Close()
}

type shard struct {
	path string
	file *os.File
	data mmap.MMap
	rdr  *ipc.FileReader
}

type location struct {
	shard  int
	record int
	row    int
}

// FileSource serves tensors from memory-mapped shard files. The ipc reader
// is not safe for concurrent use, so lookups are serialized.
type FileSource struct {
	mu     sync.Mutex
	shards []*shard
	index  map[string]location
}

// OpenFiles maps every shard and indexes the tensor names it holds. A name
// present in more than one shard resolves to the last one.
func OpenFiles(paths ...string) (*FileSource, error) {
	fs := &FileSource{index: make(map[string]location)}
	for _, p := range paths {
		if err := fs.open(p); err != nil {
			fs.Close()
			return nil, err
		}
	}
	logger.Log.Info("Weight shards mapped", "shards", len(fs.shards), "tensors", len(fs.index))
	return fs, nil
}

func (fs *FileSource) open(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open shard: %w", err)
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return fmt.Errorf("mmap shard %s: %w", path, err)
	}
	rdr, err := ipc.NewFileReader(bytes.NewReader(m), ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		m.Unmap()
		f.Close()
		return fmt.Errorf("read shard %s: %w", path, err)
	}

	idx := len(fs.shards)
	fs.shards = append(fs.shards, &shard{path: path, file: f, data: m, rdr: rdr})

	for r := 0; r < rdr.NumRecords(); r++ {
		rec, err := rdr.Record(r)
		if err != nil {
			return fmt.Errorf("shard %s record %d: %w", path, r, err)
		}
		names, ok := rec.Column(0).(*array.String)
		if !ok {
			return fmt.Errorf("shard %s: unexpected schema %s", path, rec.Schema())
		}
		for row := 0; row < names.Len(); row++ {
			fs.index[names.Value(row)] = location{shard: idx, record: r, row: row}
		}
	}
	return nil
}

func (fs *FileSource) Name() string { return "file" }

func (fs *FileSource) Fetch(ctx context.Context, name string) (*tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	loc, ok := fs.index[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	sh := fs.shards[loc.shard]
	rec, err := sh.rdr.Record(loc.record)
	if err != nil {
		return nil, fmt.Errorf("shard %s record %d: %w", sh.path, loc.record, err)
	}
	n, err := decodeRow(rec, loc.row)
	if err != nil {
		return nil, err
	}
	return n.Tensor, nil
}

// Len is the number of indexed tensors.
func (fs *FileSource) Len() int {
	return len(fs.index)
}

func (fs *FileSource) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var firstErr error
	for _, sh := range fs.shards {
		if err := sh.rdr.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := sh.data.Unmap(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := sh.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	fs.shards = nil
	fs.index = map[string]location{}
	return firstErr
}
