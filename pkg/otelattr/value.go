// Copyright (C) 2025 The TinyOlly Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package otelattr models OTLP attribute values for internal records.
//
// OTLP attributes are typed (string, int64, float64, bool, bytes, array,
// kvlist). This package provides a compact tagged union that survives the
// msgpack round trip through storage, marshals to plain JSON values on the
// query surface, and hashes deterministically for resource interning and
// metric series fingerprints.
//
// # Thread Safety
//
// Values and Maps are plain data; treat them as immutable after creation.
package otelattr

import (
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
)

// Kind discriminates the union arms of Value.
type Kind uint8

const (
	KindString Kind = iota
	KindInt
	KindDouble
	KindBool
	KindBytes
	KindArray
	KindMap
)

// Value is one typed OTLP attribute value.
//
// Exactly one arm is meaningful, selected by Kind. The struct form (rather
// than an interface) keeps msgpack encoding deterministic and avoids
// reflection surprises on decode.
type Value struct {
	Kind  Kind             `msgpack:"k"`
	Str   string           `msgpack:"s,omitempty"`
	Int   int64            `msgpack:"i,omitempty"`
	Dbl   float64          `msgpack:"d,omitempty"`
	Bool  bool             `msgpack:"b,omitempty"`
	Bytes []byte           `msgpack:"y,omitempty"`
	Arr   []Value          `msgpack:"a,omitempty"`
	Map   map[string]Value `msgpack:"m,omitempty"`
}

// Map is an attribute set keyed by attribute name.
type Map map[string]Value

// String constructs a string Value.
func String(s string) Value { return Value{Kind: KindString, Str: s} }

// Int constructs an int64 Value.
func Int(i int64) Value { return Value{Kind: KindInt, Int: i} }

// Double constructs a float64 Value.
func Double(d float64) Value { return Value{Kind: KindDouble, Dbl: d} }

// Bool constructs a bool Value.
func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// Any returns the native Go representation of the value, suitable for
// JSON encoding on the query surface.
func (v Value) Any() any {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindInt:
		return v.Int
	case KindDouble:
		return v.Dbl
	case KindBool:
		return v.Bool
	case KindBytes:
		return hex.EncodeToString(v.Bytes)
	case KindArray:
		out := make([]any, len(v.Arr))
		for i, e := range v.Arr {
			out[i] = e.Any()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.Map))
		for k, e := range v.Map {
			out[k] = e.Any()
		}
		return out
	default:
		return nil
	}
}

// MarshalJSON renders the value as its native JSON form, so attribute maps
// appear as {"service.name": "frontend"} rather than tagged unions.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Any())
}

// MarshalJSON renders the map with native JSON values.
func (m Map) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v.Any()
	}
	return json.Marshal(out)
}

// FromProto converts an OTLP KeyValue list to a Map.
//
// Attributes whose value type falls outside the OTLP schema are dropped and
// counted; the record itself is kept. An unsupported attribute type is a
// warning, not a reason to reject the record.
func FromProto(kvs []*commonpb.KeyValue) (Map, int) {
	if len(kvs) == 0 {
		return nil, 0
	}
	dropped := 0
	m := make(Map, len(kvs))
	for _, kv := range kvs {
		if kv == nil {
			continue
		}
		v, ok := valueFromProto(kv.GetValue())
		if !ok {
			dropped++
			continue
		}
		m[kv.GetKey()] = v
	}
	if len(m) == 0 {
		return nil, dropped
	}
	return m, dropped
}

func valueFromProto(av *commonpb.AnyValue) (Value, bool) {
	if av == nil {
		return Value{}, false
	}
	switch val := av.Value.(type) {
	case *commonpb.AnyValue_StringValue:
		return String(val.StringValue), true
	case *commonpb.AnyValue_IntValue:
		return Int(val.IntValue), true
	case *commonpb.AnyValue_DoubleValue:
		return Double(val.DoubleValue), true
	case *commonpb.AnyValue_BoolValue:
		return Bool(val.BoolValue), true
	case *commonpb.AnyValue_BytesValue:
		return Value{Kind: KindBytes, Bytes: val.BytesValue}, true
	case *commonpb.AnyValue_ArrayValue:
		arr := make([]Value, 0, len(val.ArrayValue.GetValues()))
		for _, e := range val.ArrayValue.GetValues() {
			ev, ok := valueFromProto(e)
			if !ok {
				return Value{}, false
			}
			arr = append(arr, ev)
		}
		return Value{Kind: KindArray, Arr: arr}, true
	case *commonpb.AnyValue_KvlistValue:
		inner := make(map[string]Value, len(val.KvlistValue.GetValues()))
		for _, kv := range val.KvlistValue.GetValues() {
			ev, ok := valueFromProto(kv.GetValue())
			if !ok {
				return Value{}, false
			}
			inner[kv.GetKey()] = ev
		}
		return Value{Kind: KindMap, Map: inner}, true
	default:
		return Value{}, false
	}
}

// canonical writes a stable textual form of the value for hashing.
func (v Value) canonical(sb *strings.Builder) {
	switch v.Kind {
	case KindString:
		sb.WriteString(v.Str)
	case KindInt:
		sb.WriteString(strconv.FormatInt(v.Int, 10))
	case KindDouble:
		sb.WriteString(strconv.FormatFloat(v.Dbl, 'g', -1, 64))
	case KindBool:
		sb.WriteString(strconv.FormatBool(v.Bool))
	case KindBytes:
		sb.WriteString(hex.EncodeToString(v.Bytes))
	case KindArray:
		sb.WriteByte('[')
		for i, e := range v.Arr {
			if i > 0 {
				sb.WriteByte(',')
			}
			e.canonical(sb)
		}
		sb.WriteByte(']')
	case KindMap:
		sb.WriteByte('{')
		keys := make([]string, 0, len(v.Map))
		for k := range v.Map {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(k)
			sb.WriteByte(':')
			e := v.Map[k]
			e.canonical(sb)
		}
		sb.WriteByte('}')
	}
}

// Fingerprint computes a stable 64-bit hash over the sorted key/value pairs.
//
// The same logical map always hashes to the same value regardless of Go map
// iteration order. Used for resource interning refs and metric series
// fingerprints.
func Fingerprint(m Map) uint64 {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := xxhash.New()
	var sb strings.Builder
	for _, k := range keys {
		sb.Reset()
		v := m[k]
		v.canonical(&sb)
		_, _ = h.WriteString(k)
		_, _ = h.Write([]byte{'='})
		_, _ = h.WriteString(sb.String())
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

// ServiceName returns the resource's service.name, or "unknown" when the
// attribute is absent or not a string.
func ServiceName(m Map) string {
	if v, ok := m["service.name"]; ok && v.Kind == KindString && v.Str != "" {
		return v.Str
	}
	return "unknown"
}
