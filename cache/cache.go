// Package cache remembers which files were already formatted, so unchanged files can be skipped when formatting a
// tree.
package cache

import (
	"crypto/sha1" //nolint:gosec
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/adrg/xdg"
	"github.com/charmbracelet/log"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

const (
	pathsBucket     = "paths"
	signatureBucket = "signature"
)

// Entry represents a cache entry, indicating the last size and modified time for a file path, along with the
// settings file it was formatted with.
type Entry struct {
	Size     int64
	Modified time.Time
	Settings string
}

// Item is a path which has just been formatted.
type Item struct {
	Path     string
	Settings string
}

type Cache struct {
	db  *bolt.DB
	log *log.Logger
}

// Open creates an instance of the cache for a given treeRoot path.
// If clean is true, or signature differs from the one recorded last time, any existing path entries are removed.
//
// The database will be located in `XDG_CACHE_DIR/vfmt/eval-cache/<id>.db`, where <id> is determined by hashing
// the treeRoot path. This associates a given treeRoot with a given instance of the cache.
func Open(treeRoot string, clean bool, signature map[string]string) (*Cache, error) {
	l := log.WithPrefix("cache")

	// determine a unique and consistent db name for the tree root
	h := sha1.New() //nolint:gosec
	h.Write([]byte(treeRoot))
	digest := h.Sum(nil)

	name := hex.EncodeToString(digest)

	path, err := xdg.CacheFile(fmt.Sprintf("vfmt/eval-cache/%v.db", name))
	if err != nil {
		return nil, fmt.Errorf("could not resolve local path for the cache: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache at %v: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		paths, err := tx.CreateBucketIfNotExists([]byte(pathsBucket))
		if err != nil {
			return fmt.Errorf("failed to create paths bucket: %w", err)
		}

		sig, err := tx.CreateBucketIfNotExists([]byte(signatureBucket))
		if err != nil {
			return fmt.Errorf("failed to create signature bucket: %w", err)
		}

		// check for new or modified signature components
		for key, value := range signature {
			var previous string
			if err = get(sig, key, &previous); errors.Is(err, errNotFound) {
				clean = true
			} else if err != nil {
				return err
			}

			if previous != value {
				l.Debugf("signature changed: %s = %q, was %q", key, value, previous)

				clean = true
			}

			if err = put(sig, key, value); err != nil {
				return err
			}
		}

		// check for removed signature components
		var removed [][]byte

		if err = sig.ForEach(func(key []byte, _ []byte) error {
			if _, ok := signature[string(key)]; !ok {
				removed = append(removed, key)
			}

			return nil
		}); err != nil {
			return fmt.Errorf("failed to check for removed signature entries: %w", err)
		}

		for _, key := range removed {
			if err = sig.Delete(key); err != nil {
				return fmt.Errorf("failed to remove signature entry: %w", err)
			}

			clean = true
		}

		if clean {
			l.Debug("clearing path entries")

			if err = tx.DeleteBucket([]byte(pathsBucket)); err != nil {
				return fmt.Errorf("failed to clear paths bucket: %w", err)
			}

			if _, err = tx.CreateBucket([]byte(pathsBucket)); err != nil {
				return fmt.Errorf("failed to recreate paths bucket: %w", err)
			}
		} else {
			l.Debugf("%d path entries", paths.Stats().KeyN)
		}

		return nil
	})
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	return &Cache{db: db, log: l}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}

	return c.db.Close()
}

// Changed reports whether the file at path differs from when it was last formatted with the given settings file, or
// has never been formatted.
func (c *Cache) Changed(path string, info os.FileInfo, settings string) (bool, error) {
	var entry Entry

	err := c.db.View(func(tx *bolt.Tx) error {
		return get(tx.Bucket([]byte(pathsBucket)), path, &entry)
	})
	if errors.Is(err, errNotFound) {
		return true, nil
	} else if err != nil {
		return false, err
	}

	changed := !(entry.Size == info.Size() && entry.Modified.Equal(info.ModTime()) && entry.Settings == settings)

	return changed, nil
}

// Update records the current size and modified time of each item's path.
func (c *Cache) Update(items []Item) error {
	if len(items) == 0 {
		return nil
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(pathsBucket))

		for _, item := range items {
			info, err := os.Stat(item.Path)
			if err != nil {
				return fmt.Errorf("failed to stat %s: %w", item.Path, err)
			}

			entry := Entry{
				Size:     info.Size(),
				Modified: info.ModTime(),
				Settings: item.Settings,
			}

			if err = put(bucket, item.Path, &entry); err != nil {
				return err
			}
		}

		c.log.Debugf("updated %d path entries", len(items))

		return nil
	})
}

var errNotFound = errors.New("cache entry not found")

// get is a helper for reading cache entries from bolt.
func get(bucket *bolt.Bucket, key string, value any) error {
	b := bucket.Get([]byte(key))
	if b == nil {
		return errNotFound
	}

	if err := msgpack.Unmarshal(b, value); err != nil {
		return fmt.Errorf("failed to unmarshal cache entry for '%v': %w", key, err)
	}

	return nil
}

// put is a helper for writing cache entries into bolt.
func put(bucket *bolt.Bucket, key string, value any) error {
	bytes, err := msgpack.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	if err = bucket.Put([]byte(key), bytes); err != nil {
		return fmt.Errorf("failed to put cache entry: %w", err)
	}

	return nil
}
