// Package meta: cluster-level metadata
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package meta

import (
	"bytes"
	"cmp"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/NVIDIA/reshard/cmn"

	"github.com/cespare/xxhash/v2"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const Hashed = "hashed"

type (
	// KeyPattern is an ordered field => direction mapping: 1, -1, or "hashed"
	KeyPattern bson.D

	// Key is a shard key value: one element per KeyPattern field
	Key []any
)

/////////////////
// KeyPattern //
/////////////////

func (kp KeyPattern) Validate() error {
	if len(kp) == 0 {
		return cmn.NewErrInvalidShardKey("{}", "empty shard key")
	}
	var hashed int
	for i, e := range kp {
		if e.Key == "" || strings.HasPrefix(e.Key, "$") || strings.Contains(e.Key, "..") ||
			strings.HasPrefix(e.Key, ".") || strings.HasSuffix(e.Key, ".") {
			return cmn.NewErrInvalidShardKey(kp.String(), fmt.Sprintf("invalid field name %q", e.Key))
		}
		for j := range i {
			prev := kp[j].Key
			if prev == e.Key {
				return cmn.NewErrInvalidShardKey(kp.String(), fmt.Sprintf("duplicate field %q", e.Key))
			}
			if strings.HasPrefix(e.Key, prev+".") || strings.HasPrefix(prev, e.Key+".") {
				return cmn.NewErrInvalidShardKey(kp.String(),
					fmt.Sprintf("fields %q and %q overlap", prev, e.Key))
			}
		}
		switch direction(e.Value) {
		case 1, -1:
		case 2:
			hashed++
		default:
			return cmn.NewErrInvalidShardKey(kp.String(),
				fmt.Sprintf("field %q: direction must be 1, -1, or %q (got %v)", e.Key, Hashed, e.Value))
		}
	}
	if hashed > 1 {
		return cmn.NewErrInvalidShardKey(kp.String(), "at most one hashed field")
	}
	return nil
}

// returns 1, -1, 2 (hashed), or 0 (invalid)
func direction(v any) int {
	switch d := v.(type) {
	case string:
		if d == Hashed {
			return 2
		}
	default:
		if f, ok := toFloat(v); ok && (f == 1 || f == -1) {
			return int(f)
		}
	}
	return 0
}

func (kp KeyPattern) Fields() []string {
	fields := make([]string, len(kp))
	for i, e := range kp {
		fields[i] = e.Key
	}
	return fields
}

func (kp KeyPattern) IsHashed() bool {
	for _, e := range kp {
		if direction(e.Value) == 2 {
			return true
		}
	}
	return false
}

func (kp KeyPattern) Equal(other KeyPattern) bool {
	if len(kp) != len(other) {
		return false
	}
	for i := range kp {
		if kp[i].Key != other[i].Key || direction(kp[i].Value) != direction(other[i].Value) {
			return false
		}
	}
	return true
}

func (kp KeyPattern) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, e := range kp {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s: %v", e.Key, e.Value)
	}
	sb.WriteByte('}')
	return sb.String()
}

// Extract computes the shard key value of a document. Missing fields are null;
// arrays along the path are rejected (a document with an array-valued shard key
// could belong to more than one chunk).
func (kp KeyPattern) Extract(doc bson.D) (Key, error) {
	key := make(Key, len(kp))
	for i, e := range kp {
		v, err := lookup(doc, e.Key)
		if err != nil {
			return nil, cmn.NewErrInvalidShardKey(kp.String(), err.Error())
		}
		if direction(e.Value) == 2 {
			v = HashValue(v)
		}
		key[i] = v
	}
	return key, nil
}

// HasFields reports whether the filter (or document) carries every shard key field
func (kp KeyPattern) HasFields(doc bson.D) bool {
	for _, e := range kp {
		if _, ok := find(doc, e.Key); !ok {
			return false
		}
	}
	return true
}

func (kp KeyPattern) MinKey() Key { return fill(len(kp), primitive.MinKey{}) }
func (kp KeyPattern) MaxKey() Key { return fill(len(kp), primitive.MaxKey{}) }

func fill(n int, v any) Key {
	k := make(Key, n)
	for i := range k {
		k[i] = v
	}
	return k
}

func lookup(doc bson.D, path string) (any, error) {
	v, ok := find(doc, path)
	if !ok {
		return nil, nil
	}
	if isArray(v) {
		return nil, fmt.Errorf("field %q is an array", path)
	}
	return v, nil
}

// GetPath returns the value at a dotted path
func GetPath(doc bson.D, path string) (any, bool) { return find(doc, path) }

// SetPath returns a copy of doc with the value at a dotted path replaced
// (intermediate sub-documents are created as needed)
func SetPath(doc bson.D, path string, v any) bson.D {
	head, rest, nested := strings.Cut(path, ".")
	out := make(bson.D, 0, len(doc)+1)
	var done bool
	for _, e := range doc {
		if e.Key != head {
			out = append(out, e)
			continue
		}
		done = true
		if !nested {
			out = append(out, bson.E{Key: head, Value: v})
			continue
		}
		sub, _ := e.Value.(bson.D)
		out = append(out, bson.E{Key: head, Value: SetPath(sub, rest, v)})
	}
	if !done {
		if nested {
			v = SetPath(nil, rest, v)
		}
		out = append(out, bson.E{Key: head, Value: v})
	}
	return out
}

// find walks a dotted path; an array in the middle of the path is reported as found
// so that lookup can reject it
func find(doc bson.D, path string) (any, bool) {
	var cur any = doc
	for _, seg := range strings.Split(path, ".") {
		switch d := cur.(type) {
		case bson.D:
			var found bool
			for _, e := range d {
				if e.Key == seg {
					cur, found = e.Value, true
					break
				}
			}
			if !found {
				return nil, false
			}
		case bson.M:
			v, ok := d[seg]
			if !ok {
				return nil, false
			}
			cur = v
		default:
			if isArray(cur) {
				return cur, true
			}
			return nil, false
		}
	}
	return cur, true
}

func isArray(v any) bool {
	switch v.(type) {
	case bson.A, []any:
		return true
	}
	return false
}

// HashValue maps a shard key field to the int64 hashed-key space.
// Numerically equal values hash identically regardless of their BSON type.
func HashValue(v any) int64 {
	if f, ok := toFloat(v); ok {
		if f == math.Trunc(f) && math.Abs(f) < 1<<63 {
			v = int64(f)
		} else {
			v = f
		}
	}
	typ, data, err := bson.MarshalValue(v)
	h := xxhash.New()
	if err != nil {
		h.WriteString(fmt.Sprint(v))
	} else {
		h.Write([]byte{byte(typ)})
		h.Write(data)
	}
	return int64(h.Sum64())
}

/////////
// Key //
/////////

func (k Key) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, v := range k {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(valueString(v))
	}
	sb.WriteByte('}')
	return sb.String()
}

func valueString(v any) string {
	switch v.(type) {
	case primitive.MinKey:
		return "MinKey"
	case primitive.MaxKey:
		return "MaxKey"
	case nil, primitive.Null:
		return "null"
	case string:
		return fmt.Sprintf("%q", v)
	}
	return fmt.Sprint(v)
}

// Compare orders shard key values the way chunk ranges are laid out:
// MinKey < null < numbers < strings < objects < arrays < binary < ObjectId
// < bool < dates < timestamps < (other) < MaxKey
func Compare(a, b Key) int {
	for i := range min(len(a), len(b)) {
		if c := CompareValues(a[i], b[i]); c != 0 {
			return c
		}
	}
	return cmp.Compare(len(a), len(b))
}

func CompareValues(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return cmp.Compare(ra, rb)
	}
	switch ra {
	case rankMin, rankNull, rankMax:
		return 0
	case rankNumber:
		ia, okA := toInt(a)
		ib, okB := toInt(b)
		if okA && okB {
			return cmp.Compare(ia, ib)
		}
		fa, _ := toFloat(a)
		fb, _ := toFloat(b)
		return cmp.Compare(fa, fb)
	case rankString:
		return strings.Compare(toString(a), toString(b))
	case rankObject:
		da, db := toDoc(a), toDoc(b)
		for i := range min(len(da), len(db)) {
			if c := strings.Compare(da[i].Key, db[i].Key); c != 0 {
				return c
			}
			if c := CompareValues(da[i].Value, db[i].Value); c != 0 {
				return c
			}
		}
		return cmp.Compare(len(da), len(db))
	case rankArray:
		return Compare(toArray(a), toArray(b))
	case rankBinary:
		return bytes.Compare(toBytes(a), toBytes(b))
	case rankObjectID:
		oa, ob := a.(primitive.ObjectID), b.(primitive.ObjectID)
		return bytes.Compare(oa[:], ob[:])
	case rankBool:
		ba, bb := a.(bool), b.(bool)
		switch {
		case ba == bb:
			return 0
		case !ba:
			return -1
		}
		return 1
	case rankDate:
		return cmp.Compare(toMillis(a), toMillis(b))
	case rankTimestamp:
		ta, tb := a.(primitive.Timestamp), b.(primitive.Timestamp)
		return primitive.CompareTimestamp(ta, tb)
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

const (
	rankMin = iota
	rankNull
	rankNumber
	rankString
	rankObject
	rankArray
	rankBinary
	rankObjectID
	rankBool
	rankDate
	rankTimestamp
	rankOther
	rankMax
)

func rank(v any) int {
	switch v.(type) {
	case primitive.MinKey:
		return rankMin
	case nil, primitive.Null, primitive.Undefined:
		return rankNull
	case int, int32, int64, float32, float64:
		return rankNumber
	case string, primitive.Symbol:
		return rankString
	case bson.D, bson.M:
		return rankObject
	case bson.A, []any:
		return rankArray
	case primitive.Binary, []byte:
		return rankBinary
	case primitive.ObjectID:
		return rankObjectID
	case bool:
		return rankBool
	case primitive.DateTime, time.Time:
		return rankDate
	case primitive.Timestamp:
		return rankTimestamp
	case primitive.MaxKey:
		return rankMax
	}
	return rankOther
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func toString(v any) string {
	if s, ok := v.(primitive.Symbol); ok {
		return string(s)
	}
	return v.(string)
}

func toDoc(v any) bson.D {
	if m, ok := v.(bson.M); ok {
		d := make(bson.D, 0, len(m))
		for k, v := range m {
			d = append(d, bson.E{Key: k, Value: v})
		}
		sort.Slice(d, func(i, j int) bool { return d[i].Key < d[j].Key })
		return d
	}
	return v.(bson.D)
}

func toArray(v any) Key {
	if a, ok := v.(bson.A); ok {
		return Key(a)
	}
	return Key(v.([]any))
}

func toBytes(v any) []byte {
	if b, ok := v.(primitive.Binary); ok {
		return b.Data
	}
	return v.([]byte)
}

func toMillis(v any) int64 {
	if t, ok := v.(time.Time); ok {
		return t.UnixMilli()
	}
	return int64(v.(primitive.DateTime))
}
