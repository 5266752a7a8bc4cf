package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/syndtr/goleveldb/leveldb"
)

const (
	metaPrefix = "meta/"
	dataPrefix = "data/"
)

// LevelDBBlobStore keeps documents in a local LevelDB directory. Metadata and
// content are written in one batch so a crash never leaves half a blob.
type LevelDBBlobStore struct {
	db *leveldb.DB
}

func OpenLevelDB(path string) (*LevelDBBlobStore, error) {
	ldb, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &LevelDBBlobStore{db: ldb}, nil
}

func (s *LevelDBBlobStore) Close() error {
	return s.db.Close()
}

func (s *LevelDBBlobStore) Upload(_ context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	data, err := prepare("leveldb", &meta, content)
	if err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	batch := new(leveldb.Batch)
	batch.Put([]byte(metaPrefix+meta.ID), encoded)
	batch.Put([]byte(dataPrefix+meta.ID), data)
	if err := s.db.Write(batch, nil); err != nil {
		return nil, fmt.Errorf("write blob %s: %w", meta.ID, err)
	}
	return &meta, nil
}

func (s *LevelDBBlobStore) GetMetadata(_ context.Context, id string) (*BlobMetadata, error) {
	raw, err := s.db.Get([]byte(metaPrefix+id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read metadata %s: %w", id, err)
	}

	var meta BlobMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata %s: %w", id, err)
	}
	return &meta, nil
}

func (s *LevelDBBlobStore) Download(ctx context.Context, id string) (io.ReadCloser, *BlobMetadata, error) {
	meta, err := s.GetMetadata(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	data, err := s.db.Get([]byte(dataPrefix+id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read blob %s: %w", id, err)
	}
	return io.NopCloser(bytes.NewReader(data)), meta, nil
}

func (s *LevelDBBlobStore) Delete(_ context.Context, id string) error {
	ok, err := s.db.Has([]byte(metaPrefix+id), nil)
	if err != nil {
		return fmt.Errorf("lookup blob %s: %w", id, err)
	}
	if !ok {
		return ErrBlobNotFound
	}

	batch := new(leveldb.Batch)
	batch.Delete([]byte(metaPrefix + id))
	batch.Delete([]byte(dataPrefix + id))
	return s.db.Write(batch, nil)
}
