// Package dbdriver provides a local key-value store for resharding metadata:
// coordinator and participant documents, the transaction ledger, and the catalog.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package dbdriver

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"
)

type BuntDriver struct {
	driver *buntdb.DB
}

// interface guard
var _ Driver = (*BuntDriver)(nil)

// NewBuntDB opens (or creates) the database at path; ":memory:" is non-persistent.
// Every committed write is fsync-ed.
func NewBuntDB(path string) (*BuntDriver, error) {
	driver, err := buntdb.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", path)
	}
	var config buntdb.Config
	if err := driver.ReadConfig(&config); err != nil {
		driver.Close()
		return nil, errors.Wrap(err, "failed to read config")
	}
	config.SyncPolicy = buntdb.Always
	if err := driver.SetConfig(config); err != nil {
		driver.Close()
		return nil, errors.Wrap(err, "failed to set config")
	}
	return &BuntDriver{driver: driver}, nil
}

func bntErr(err error, collection, key string) error {
	if err == buntdb.ErrNotFound {
		return NewErrNotFound(collection, key)
	}
	return errors.Wrapf(err, "%s%s%s", collection, CollectionSepa, key)
}

func (bd *BuntDriver) Close() error { return bd.driver.Close() }

func (bd *BuntDriver) Set(collection, key string, object any) error {
	s, err := marshal(object)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal %s%s%s", collection, CollectionSepa, key)
	}
	return bd.SetString(collection, key, s)
}

func (bd *BuntDriver) SetIfAbsent(collection, key string, object any) error {
	s, err := marshal(object)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal %s%s%s", collection, CollectionSepa, key)
	}
	name := makePath(collection, key)
	err = bd.driver.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(name); err == nil {
			return NewErrAlreadyExists(collection, key)
		} else if err != buntdb.ErrNotFound {
			return err
		}
		_, _, err := tx.Set(name, s, nil)
		return err
	})
	if err == nil || IsErrAlreadyExists(err) {
		return err
	}
	return bntErr(err, collection, key)
}

func (bd *BuntDriver) Get(collection, key string, object any) error {
	s, err := bd.GetString(collection, key)
	if err != nil {
		return err
	}
	return unmarshal(s, object)
}

func (bd *BuntDriver) SetString(collection, key, data string) error {
	name := makePath(collection, key)
	err := bd.driver.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(name, data, nil)
		return err
	})
	if err != nil {
		return bntErr(err, collection, key)
	}
	return nil
}

func (bd *BuntDriver) GetString(collection, key string) (value string, err error) {
	name := makePath(collection, key)
	err = bd.driver.View(func(tx *buntdb.Tx) error {
		var err error
		value, err = tx.Get(name)
		return err
	})
	if err != nil {
		return "", bntErr(err, collection, key)
	}
	return value, nil
}

func (bd *BuntDriver) Delete(collection, key string) error {
	name := makePath(collection, key)
	err := bd.driver.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(name)
		return err
	})
	if err != nil {
		return bntErr(err, collection, key)
	}
	return nil
}

func (bd *BuntDriver) DeleteCollection(collection string) error {
	keys, err := bd.List(collection, "")
	if err != nil || len(keys) == 0 {
		return err
	}
	err = bd.driver.Update(func(tx *buntdb.Tx) error {
		for _, k := range keys {
			if _, err := tx.Delete(makePath(collection, k)); err != nil && err != buntdb.ErrNotFound {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return bntErr(err, collection, "")
	}
	return nil
}

func (bd *BuntDriver) iterPattern(collection, pattern string) string {
	filter := makePath(collection, pattern)
	if !hasWildcards(pattern) {
		filter += "*"
	}
	return filter
}

func (bd *BuntDriver) List(collection, pattern string) ([]string, error) {
	var (
		keys   = make([]string, 0)
		filter = bd.iterPattern(collection, pattern)
	)
	err := bd.driver.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(filter, func(path, _ string) bool {
			if _, key := ParsePath(path); key != "" {
				keys = append(keys, key)
			}
			return true
		})
	})
	if err != nil {
		return nil, bntErr(err, collection, pattern)
	}
	sort.Strings(keys)
	return keys, nil
}

func (bd *BuntDriver) GetAll(collection, pattern string) (map[string]string, error) {
	var (
		values = make(map[string]string)
		filter = bd.iterPattern(collection, pattern)
	)
	err := bd.driver.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(filter, func(path, val string) bool {
			if _, key := ParsePath(path); key != "" {
				values[key] = val
			}
			return true
		})
	})
	if err != nil {
		return nil, bntErr(err, collection, pattern)
	}
	return values, nil
}
