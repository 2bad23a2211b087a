// Package cos provides common low-level types and utilities for all reshard projects
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"math/rand/v2"
	"sync"

	"github.com/teris-io/shortid"
)

// NOTE: `shortid` uses hardcoded 01/2016 as a starting timestamp
const (
	uuidABC = "-5nZJDft6LuzsjGNpPwY7rQa39vehq4i1cV2FROo8yHSlC0BUEdWbIxMmTgKXAk_"
	lenUUID = 9
)

var (
	sids     [16]*shortid.Shortid
	sidsOnce sync.Once
)

func InitShortid(seed uint64) {
	for i := range sids {
		sids[i] = shortid.MustNew(uint8(i+1) /*worker*/, uuidABC, seed)
	}
}

// GenUUID generates unique and user-friendly IDs.
func GenUUID() (uuid string) {
	sidsOnce.Do(func() {
		if sids[0] == nil {
			InitShortid(rand.Uint64())
		}
	})
	var err error
	for _, sid := range sids {
		uuid, err = sid.Generate()
		if err == nil && IsValidUUID(uuid) {
			return
		}
	}
	return RandString(lenUUID)
}

func IsValidUUID(uuid string) bool {
	if len(uuid) < lenUUID {
		return false
	}
	first, last := uuid[0], uuid[len(uuid)-1]
	return first != '-' && first != '_' && last != '-' && last != '_'
}

func RandString(n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[rand.IntN(len(letters))]
	}
	return string(b)
}
