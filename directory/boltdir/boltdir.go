// Package boltdir implements the module directory on a bbolt database file,
// suitable for the single-machine deployments a shared-memory rendezvous
// implies. One bucket per subscription kind; each key holds the JSON-encoded
// subscriber list of one module (or module/path) so registrations survive a
// subscriber crash and can be inspected offline.
package boltdir

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/openconfd/shmsub"
)

var (
	bucketChange = []byte("change")
	bucketOper   = []byte("oper")
	bucketRPC    = []byte("rpc")
	bucketNotif  = []byte("notif")
)

// Directory is a bbolt-backed shmsub.Directory.
type Directory struct {
	db *bolt.DB
}

var _ shmsub.Directory = (*Directory)(nil)

// Open opens (creating if needed) the directory database at path.
func Open(path string) (*Directory, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening directory db %q: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketChange, bucketOper, bucketRPC, bucketNotif} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing directory db %q: %w", path, err)
	}
	return &Directory{db: db}, nil
}

// Close closes the underlying database.
func (d *Directory) Close() error { return d.db.Close() }

// changeRecord is the stored form of one change subscriber.
type changeRecord struct {
	XPath    string         `json:"xpath,omitempty"`
	Priority uint32         `json:"priority"`
	Opts     shmsub.Options `json:"opts,omitempty"`
	EvPipe   uint32         `json:"evpipe"`
}

// pipeRecord is the stored form of one single-channel subscriber.
type pipeRecord struct {
	EvPipe uint32 `json:"evpipe"`
}

func changeKey(module string, ds shmsub.Datastore) []byte {
	return []byte(module + "\x00" + ds.String())
}

func pathKey(module, xpath string) []byte {
	return []byte(module + "\x00" + xpath)
}

// mutate loads the JSON list at key, applies fn, and stores the result.
// A nil result deletes the key.
func mutate[T any](d *Directory, bucket, key []byte, fn func([]T) ([]T, error)) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		var list []T
		if raw := b.Get(key); raw != nil {
			if err := json.Unmarshal(raw, &list); err != nil {
				return fmt.Errorf("corrupt directory entry %q: %w", key, err)
			}
		}
		list, err := fn(list)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			return b.Delete(key)
		}
		raw, err := json.Marshal(list)
		if err != nil {
			return err
		}
		return b.Put(key, raw)
	})
}

func load[T any](d *Directory, bucket, key []byte) ([]T, error) {
	var list []T
	err := d.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucket).Get(key)
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &list)
	})
	if err != nil {
		return nil, fmt.Errorf("reading directory entry %q: %w", key, err)
	}
	return list, nil
}

func (d *Directory) RegisterChange(module string, ds shmsub.Datastore, xpath string, priority uint32, opts shmsub.Options, evpipe uint32) error {
	return mutate(d, bucketChange, changeKey(module, ds), func(list []changeRecord) ([]changeRecord, error) {
		return append(list, changeRecord{XPath: xpath, Priority: priority, Opts: opts, EvPipe: evpipe}), nil
	})
}

func (d *Directory) UnregisterChange(module string, ds shmsub.Datastore, xpath string, priority uint32, opts shmsub.Options, evpipe uint32) (bool, error) {
	var lastRemoved bool
	err := mutate(d, bucketChange, changeKey(module, ds), func(list []changeRecord) ([]changeRecord, error) {
		for i, r := range list {
			if r.XPath == xpath && r.Priority == priority && r.Opts == opts && r.EvPipe == evpipe {
				list = append(list[:i], list[i+1:]...)
				lastRemoved = len(list) == 0
				return list, nil
			}
		}
		return nil, fmt.Errorf("no change registration for %q in %s", module, ds)
	})
	return lastRemoved, err
}

func (d *Directory) ChangeSubscribers(module string, ds shmsub.Datastore) ([]shmsub.ChangeSubscriber, error) {
	list, err := load[changeRecord](d, bucketChange, changeKey(module, ds))
	if err != nil {
		return nil, err
	}
	subs := make([]shmsub.ChangeSubscriber, len(list))
	for i, r := range list {
		subs[i] = shmsub.ChangeSubscriber{XPath: r.XPath, Priority: r.Priority, Opts: r.Opts, EvPipe: r.EvPipe}
	}
	return subs, nil
}

func (d *Directory) RegisterOperData(module, xpath string, evpipe uint32) error {
	return d.registerPipe(bucketOper, pathKey(module, xpath), evpipe)
}

func (d *Directory) UnregisterOperData(module, xpath string, evpipe uint32) (bool, error) {
	return d.unregisterPipe(bucketOper, pathKey(module, xpath), evpipe)
}

func (d *Directory) OperDataSubscribers(module, xpath string) ([]uint32, error) {
	return d.pipes(bucketOper, pathKey(module, xpath))
}

func (d *Directory) RegisterRPC(module, xpath string, evpipe uint32) error {
	return d.registerPipe(bucketRPC, pathKey(module, xpath), evpipe)
}

func (d *Directory) UnregisterRPC(module, xpath string, evpipe uint32) (bool, error) {
	return d.unregisterPipe(bucketRPC, pathKey(module, xpath), evpipe)
}

func (d *Directory) RPCSubscribers(module, xpath string) ([]uint32, error) {
	return d.pipes(bucketRPC, pathKey(module, xpath))
}

func (d *Directory) RegisterNotif(module string, evpipe uint32) error {
	return d.registerPipe(bucketNotif, []byte(module), evpipe)
}

func (d *Directory) UnregisterNotif(module string, evpipe uint32) (bool, error) {
	return d.unregisterPipe(bucketNotif, []byte(module), evpipe)
}

func (d *Directory) NotifSubscribers(module string) ([]uint32, error) {
	return d.pipes(bucketNotif, []byte(module))
}

func (d *Directory) registerPipe(bucket, key []byte, evpipe uint32) error {
	return mutate(d, bucket, key, func(list []pipeRecord) ([]pipeRecord, error) {
		return append(list, pipeRecord{EvPipe: evpipe}), nil
	})
}

func (d *Directory) unregisterPipe(bucket, key []byte, evpipe uint32) (bool, error) {
	var lastRemoved bool
	err := mutate(d, bucket, key, func(list []pipeRecord) ([]pipeRecord, error) {
		for i, r := range list {
			if r.EvPipe == evpipe {
				list = append(list[:i], list[i+1:]...)
				lastRemoved = len(list) == 0
				return list, nil
			}
		}
		return nil, fmt.Errorf("no registration for %q", key)
	})
	return lastRemoved, err
}

func (d *Directory) pipes(bucket, key []byte) ([]uint32, error) {
	list, err := load[pipeRecord](d, bucket, key)
	if err != nil {
		return nil, err
	}
	nums := make([]uint32, len(list))
	for i, r := range list {
		nums[i] = r.EvPipe
	}
	return nums, nil
}
