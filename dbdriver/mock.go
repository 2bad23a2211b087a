// Package dbdriver provides a local key-value store for resharding metadata:
// coordinator and participant documents, the transaction ledger, and the catalog.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package dbdriver

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

type DBMock struct {
	values map[string]string
	mtx    sync.RWMutex
}

// interface guard
var _ Driver = (*DBMock)(nil)

func NewDBMock() Driver      { return &DBMock{values: make(map[string]string)} }
func (*DBMock) Close() error { return nil }

func (bd *DBMock) Set(collection, key string, object any) error {
	s, err := marshal(object)
	if err != nil {
		return err
	}
	return bd.SetString(collection, key, s)
}

func (bd *DBMock) SetIfAbsent(collection, key string, object any) error {
	s, err := marshal(object)
	if err != nil {
		return err
	}
	bd.mtx.Lock()
	defer bd.mtx.Unlock()
	name := makePath(collection, key)
	if _, ok := bd.values[name]; ok {
		return NewErrAlreadyExists(collection, key)
	}
	bd.values[name] = s
	return nil
}

func (bd *DBMock) Get(collection, key string, object any) error {
	s, err := bd.GetString(collection, key)
	if err != nil {
		return err
	}
	return unmarshal(s, object)
}

func (bd *DBMock) SetString(collection, key, data string) error {
	bd.mtx.Lock()
	bd.values[makePath(collection, key)] = data
	bd.mtx.Unlock()
	return nil
}

func (bd *DBMock) GetString(collection, key string) (string, error) {
	bd.mtx.RLock()
	defer bd.mtx.RUnlock()
	value, ok := bd.values[makePath(collection, key)]
	if !ok {
		return "", NewErrNotFound(collection, key)
	}
	return value, nil
}

func (bd *DBMock) Delete(collection, key string) error {
	bd.mtx.Lock()
	defer bd.mtx.Unlock()
	name := makePath(collection, key)
	if _, ok := bd.values[name]; !ok {
		return NewErrNotFound(collection, key)
	}
	delete(bd.values, name)
	return nil
}

func (*DBMock) match(collection, pattern, path string) (string, bool) {
	coll, key := ParsePath(path)
	if coll != collection || key == "" {
		return "", false
	}
	if !hasWildcards(pattern) {
		return key, strings.HasPrefix(key, pattern)
	}
	ok, _ := filepath.Match(pattern, key)
	return key, ok
}

func (bd *DBMock) List(collection, pattern string) ([]string, error) {
	keys := make([]string, 0)
	bd.mtx.RLock()
	for k := range bd.values {
		if key, ok := bd.match(collection, pattern, k); ok {
			keys = append(keys, key)
		}
	}
	bd.mtx.RUnlock()
	sort.Strings(keys)
	return keys, nil
}

func (bd *DBMock) DeleteCollection(collection string) error {
	bd.mtx.Lock()
	defer bd.mtx.Unlock()
	for k := range bd.values {
		if _, ok := bd.match(collection, "", k); ok {
			delete(bd.values, k)
		}
	}
	return nil
}

func (bd *DBMock) GetAll(collection, pattern string) (map[string]string, error) {
	values := make(map[string]string)
	bd.mtx.RLock()
	for k, v := range bd.values {
		if key, ok := bd.match(collection, pattern, k); ok {
			values[key] = v
		}
	}
	bd.mtx.RUnlock()
	return values, nil
}
