package badger

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/akhenakh/ttnrelay/storage"
)

// maxConflictRetries bounds the retries of a conflicting read-modify-write
const maxConflictRetries = 3

// Registry stores dataloggers in badger
type Registry struct {
	*badger.DB

	// decoder assigned to newly created dataloggers
	DefaultDecoder string

	now func() time.Time
}

func NewRegistry(db *badger.DB, defaultDecoder string) *Registry {
	return &Registry{
		DB:             db,
		DefaultDecoder: defaultDecoder,
		now:            time.Now,
	}
}

// Lookup get or create devID, never touches LastSeen
func (r *Registry) Lookup(ctx context.Context, devID string) (*storage.DataLogger, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	dl, err := r.Get(ctx, devID)
	if err == nil {
		return dl, true, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, err
	}

	var existed bool
	err = r.update(func(txn *badger.Txn) error {
		cur, err := getTx(txn, devID)
		if err == nil {
			dl, existed = cur, true
			return nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		dl = storage.NewDataLogger(devID, r.DefaultDecoder, r.now())
		return setTx(txn, dl)
	})
	if err != nil {
		return nil, false, err
	}
	return dl, existed, nil
}

// TouchActivity sets LastSeen to now, the datalogger is created if missing
func (r *Registry) TouchActivity(ctx context.Context, devID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.update(func(txn *badger.Txn) error {
		now := r.now().UTC()
		dl, err := getTx(txn, devID)
		if errors.Is(err, storage.ErrNotFound) {
			dl = storage.NewDataLogger(devID, r.DefaultDecoder, now)
		} else if err != nil {
			return err
		}
		dl.LastSeen = now
		return setTx(txn, dl)
	})
}

// Get returns the datalogger for devID or storage.ErrNotFound
func (r *Registry) Get(ctx context.Context, devID string) (*storage.DataLogger, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var dl *storage.DataLogger
	err := r.View(func(txn *badger.Txn) error {
		var err error
		dl, err = getTx(txn, devID)
		return err
	})
	return dl, err
}

// SetDecoder assigns decoder to devID, the datalogger is created if missing
func (r *Registry) SetDecoder(ctx context.Context, devID, decoder string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.update(func(txn *badger.Txn) error {
		dl, err := getTx(txn, devID)
		if errors.Is(err, storage.ErrNotFound) {
			dl = storage.NewDataLogger(devID, decoder, r.now())
		} else if err != nil {
			return err
		}
		dl.Decoder = decoder
		return setTx(txn, dl)
	})
}

// Keys list all registered device ids
func (r *Registry) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var res []string
	err := r.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(storage.Prefix + "L")

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			res = append(res, storage.ReadDataLoggerKey(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

func (r *Registry) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < maxConflictRetries; i++ {
		err = r.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func getTx(txn *badger.Txn, devID string) (*storage.DataLogger, error) {
	item, err := txn.Get(storage.DataLoggerKey(devID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	dl := &storage.DataLogger{}
	if err := msgpack.Unmarshal(v, dl); err != nil {
		return nil, err
	}
	dl.CreatedAt = dl.CreatedAt.UTC()
	dl.LastSeen = dl.LastSeen.UTC()
	return dl, nil
}

func setTx(txn *badger.Txn, dl *storage.DataLogger) error {
	v, err := msgpack.Marshal(dl)
	if err != nil {
		return err
	}
	return txn.SetEntry(badger.NewEntry(storage.DataLoggerKey(dl.DevID), v))
}
