// Package dbdriver provides a local key-value store for resharding metadata:
// coordinator and participant documents, the transaction ledger, and the catalog.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package dbdriver_test

import (
	"path/filepath"
	"testing"

	"github.com/NVIDIA/reshard/dbdriver"
	"github.com/NVIDIA/reshard/tools/tassert"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type rec struct {
	Name  string `bson:"name"`
	Bound []any  `bson:"bound"`
	Ver   int64  `bson:"ver"`
}

func drivers(t *testing.T) map[string]dbdriver.Driver {
	bunt, err := dbdriver.NewBuntDB(filepath.Join(t.TempDir(), "test.db"))
	tassert.CheckFatal(t, err)
	t.Cleanup(func() { bunt.Close() })
	return map[string]dbdriver.Driver{"bunt": bunt, "mock": dbdriver.NewDBMock()}
}

func TestDriverCRUD(t *testing.T) {
	for name, db := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			in := &rec{Name: "a", Bound: []any{primitive.MinKey{}, int64(5)}, Ver: 3}
			tassert.CheckFatal(t, db.Set("coll", "k1", in))

			out := &rec{}
			tassert.CheckFatal(t, db.Get("coll", "k1", out))
			tassert.Errorf(t, out.Name == "a" && out.Ver == 3, "got %+v", out)
			_, isMin := out.Bound[0].(primitive.MinKey)
			tassert.Errorf(t, isMin, "expected MinKey, got %T", out.Bound[0])

			err := db.Get("coll", "nope", out)
			tassert.Errorf(t, dbdriver.IsErrNotFound(err), "expected not-found, got %v", err)

			err = db.SetIfAbsent("coll", "k1", in)
			tassert.Errorf(t, dbdriver.IsErrAlreadyExists(err), "expected already-exists, got %v", err)
			tassert.CheckFatal(t, db.SetIfAbsent("coll", "k2", in))

			tassert.CheckFatal(t, db.Delete("coll", "k1"))
			err = db.Delete("coll", "k1")
			tassert.Errorf(t, dbdriver.IsErrNotFound(err), "expected not-found, got %v", err)
		})
	}
}

func TestDriverList(t *testing.T) {
	for name, db := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			for _, k := range []string{"a1", "a2", "b1"} {
				tassert.CheckFatal(t, db.SetString("c1", k, k))
			}
			tassert.CheckFatal(t, db.SetString("c12", "a3", "x"))

			keys, err := db.List("c1", "a")
			tassert.CheckFatal(t, err)
			tassert.Fatalf(t, len(keys) == 2 && keys[0] == "a1" && keys[1] == "a2", "prefix list: %v", keys)

			keys, err = db.List("c1", "?1")
			tassert.CheckFatal(t, err)
			tassert.Fatalf(t, len(keys) == 2, "wildcard list: %v", keys)

			all, err := db.GetAll("c1", "")
			tassert.CheckFatal(t, err)
			tassert.Fatalf(t, len(all) == 3 && all["b1"] == "b1", "get-all: %v", all)

			tassert.CheckFatal(t, db.DeleteCollection("c1"))
			keys, err = db.List("c1", "")
			tassert.CheckFatal(t, err)
			tassert.Errorf(t, len(keys) == 0, "expected empty collection, got %v", keys)
			keys, err = db.List("c12", "")
			tassert.CheckFatal(t, err)
			tassert.Errorf(t, len(keys) == 1, "sibling collection affected: %v", keys)
		})
	}
}

func TestBuntPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")
	db, err := dbdriver.NewBuntDB(path)
	tassert.CheckFatal(t, err)
	tassert.CheckFatal(t, db.Set("ops", "test.coll", &rec{Name: "op", Ver: 7}))
	tassert.CheckFatal(t, db.Close())

	db, err = dbdriver.NewBuntDB(path)
	tassert.CheckFatal(t, err)
	defer db.Close()
	out := &rec{}
	tassert.CheckFatal(t, db.Get("ops", "test.coll", out))
	tassert.Errorf(t, out.Ver == 7, "expected version 7 after reopen, got %d", out.Ver)
}
