// Package dbdriver provides a local key-value store for resharding metadata:
// coordinator and participant documents, the transaction ledger, and the catalog.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package dbdriver

import (
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

// General info:
// ## Collection ##
//   For 'buntdb' the collection is a pure virtual stuff: it is just a prefix
//   of a key in database.
// ## Values ##
//   Objects are marshaled as BSON so that MinKey/MaxKey bounds and
//   mixed-type shard key values survive the round trip.
// ## List ##
//   If a pattern is empty, List returns all keys in the collection. A pattern
//   may include '*' and '?'. If a pattern does not include any of those
//   characters, the pattern is considered a prefix.
// ## Errors ##
//   A driver converts database-specific errors to `dbdriver` package errors.

const CollectionSepa = "##"

type (
	Driver interface {
		// A driver should sync data with local drives on close
		Close() error
		// Write an object to database; object is marshaled as BSON
		Set(collection, key string, object any) error
		// Write an object only if the key does not exist yet (ErrAlreadyExists otherwise)
		SetIfAbsent(collection, key string, object any) error
		// Read an object from database
		Get(collection, key string, object any) error
		// Write an already marshaled object or simple string
		SetString(collection, key, data string) error
		// Read a raw value
		GetString(collection, key string) (string, error)
		// Delete a single object
		Delete(collection, key string) error
		// Delete a collection. It iterates over all subkeys of key
		// `collection` and removes them one by one.
		DeleteCollection(collection string) error
		// Return subkeys of a collection, sorted
		List(collection, pattern string) ([]string, error)
		// Return subkeys with their values: map[key]value
		GetAll(collection, pattern string) (map[string]string, error)
	}

	ErrNotFound struct {
		collection string
		key        string
	}
	ErrAlreadyExists struct {
		collection string
		key        string
	}
)

func makePath(collection, key string) string { return collection + CollectionSepa + key }

// Extract collection and key names from full key path
func ParsePath(path string) (string, string) {
	pos := strings.Index(path, CollectionSepa)
	if pos < 0 {
		return path, ""
	}
	return path[:pos], path[pos+len(CollectionSepa):]
}

func hasWildcards(pattern string) bool { return strings.ContainsAny(pattern, "*?") }

func marshal(object any) (string, error) {
	b, err := bson.Marshal(object)
	return string(b), err
}

func unmarshal(s string, object any) error { return bson.Unmarshal([]byte(s), object) }

// Decode is a helper for GetAll callers
func Decode(value string, object any) error { return unmarshal(value, object) }

func NewErrNotFound(collection, key string) *ErrNotFound {
	return &ErrNotFound{collection: collection, key: key}
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s %q not found", e.collection, e.key)
}

func IsErrNotFound(err error) bool {
	_, ok := err.(*ErrNotFound)
	return ok
}

func NewErrAlreadyExists(collection, key string) *ErrAlreadyExists {
	return &ErrAlreadyExists{collection: collection, key: key}
}

func (e *ErrAlreadyExists) Error() string {
	return fmt.Sprintf("%s %q already exists", e.collection, e.key)
}

func IsErrAlreadyExists(err error) bool {
	_, ok := err.(*ErrAlreadyExists)
	return ok
}
