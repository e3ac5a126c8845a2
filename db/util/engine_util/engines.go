package engine_util

import (
	"os"

	"github.com/Connor1996/badger"
	"github.com/ngaut/log"
)

// Engines keeps a reference to the badger key/value database backing the
// write path. The oplog, the session transaction table, and document data
// share one database so that one write batch commits them atomically.
type Engines struct {
	DB *badger.DB
	// Path is the filesystem path the database stores its data under.
	Path string
}

func NewEngines(db *badger.DB, path string) *Engines {
	return &Engines{
		DB:   db,
		Path: path,
	}
}

func (en *Engines) Write(wb *WriteBatch) error {
	return wb.WriteToDB(en.DB)
}

func (en *Engines) Close() error {
	return en.DB.Close()
}

func (en *Engines) Destroy() error {
	if err := en.Close(); err != nil {
		return err
	}
	return os.RemoveAll(en.Path)
}

// CreateDB creates a new badger DB on disk at path.
func CreateDB(path string) *badger.DB {
	opts := badger.DefaultOptions
	opts.Dir = path
	opts.ValueDir = path
	opts.SyncWrites = true
	if err := os.MkdirAll(path, os.ModePerm); err != nil {
		log.Fatal(err)
	}
	db, err := badger.Open(opts)
	if err != nil {
		log.Fatal(err)
	}
	return db
}
