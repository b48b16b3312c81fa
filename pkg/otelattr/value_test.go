// Copyright (C) 2025 The TinyOlly Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package otelattr

import (
	"encoding/json"
	"testing"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
)

// TestFromProto_Types tests conversion of every OTLP value case.
func TestFromProto_Types(t *testing.T) {
	kvs := []*commonpb.KeyValue{
		{Key: "s", Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: "hello"}}},
		{Key: "i", Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: 42}}},
		{Key: "d", Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: 2.5}}},
		{Key: "b", Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: true}}},
		{Key: "y", Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_BytesValue{BytesValue: []byte{0xDE, 0xAD}}}},
		{Key: "a", Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_ArrayValue{
			ArrayValue: &commonpb.ArrayValue{Values: []*commonpb.AnyValue{
				{Value: &commonpb.AnyValue_IntValue{IntValue: 1}},
				{Value: &commonpb.AnyValue_IntValue{IntValue: 2}},
			}},
		}}},
	}

	m, dropped := FromProto(kvs)
	if dropped != 0 {
		t.Errorf("dropped = %d, want 0", dropped)
	}
	if len(m) != 6 {
		t.Fatalf("len(m) = %d, want 6", len(m))
	}
	if m["s"].Str != "hello" || m["s"].Kind != KindString {
		t.Errorf("string attr = %+v", m["s"])
	}
	if m["i"].Int != 42 {
		t.Errorf("int attr = %+v", m["i"])
	}
	if m["d"].Dbl != 2.5 {
		t.Errorf("double attr = %+v", m["d"])
	}
	if !m["b"].Bool {
		t.Errorf("bool attr = %+v", m["b"])
	}
	if len(m["a"].Arr) != 2 {
		t.Errorf("array attr = %+v", m["a"])
	}
}

// TestFromProto_DroppedUnsupported tests that a value with no populated
// case is dropped and counted without rejecting the rest.
func TestFromProto_DroppedUnsupported(t *testing.T) {
	kvs := []*commonpb.KeyValue{
		{Key: "ok", Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: "v"}}},
		{Key: "bad", Value: &commonpb.AnyValue{}},
	}

	m, dropped := FromProto(kvs)
	if dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
	if _, ok := m["bad"]; ok {
		t.Error("unsupported attribute was kept")
	}
	if _, ok := m["ok"]; !ok {
		t.Error("supported attribute was lost")
	}
}

// TestFingerprint_OrderIndependent tests that fingerprints ignore map
// insertion order but distinguish values.
func TestFingerprint_OrderIndependent(t *testing.T) {
	a := Map{"x": String("1"), "y": Int(2), "z": Bool(true)}
	b := Map{"z": Bool(true), "y": Int(2), "x": String("1")}
	if Fingerprint(a) != Fingerprint(b) {
		t.Error("identical maps produced different fingerprints")
	}

	c := Map{"x": String("1"), "y": Int(3), "z": Bool(true)}
	if Fingerprint(a) == Fingerprint(c) {
		t.Error("different maps collided")
	}
}

// TestFingerprint_KeyValueBoundary tests that key/value splits do not
// collide ("ab"="c" vs "a"="bc").
func TestFingerprint_KeyValueBoundary(t *testing.T) {
	a := Map{"ab": String("c")}
	b := Map{"a": String("bc")}
	if Fingerprint(a) == Fingerprint(b) {
		t.Error("boundary collision between key and value bytes")
	}
}

// TestMarshalJSON_Native tests that maps serialize as plain JSON objects.
func TestMarshalJSON_Native(t *testing.T) {
	m := Map{"service.name": String("frontend"), "retries": Int(3)}
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var round map[string]any
	if err := json.Unmarshal(data, &round); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if round["service.name"] != "frontend" {
		t.Errorf("service.name = %v", round["service.name"])
	}
	if round["retries"] != float64(3) {
		t.Errorf("retries = %v", round["retries"])
	}
}

// TestServiceName tests the unknown fallback.
func TestServiceName(t *testing.T) {
	if got := ServiceName(Map{"service.name": String("api")}); got != "api" {
		t.Errorf("ServiceName = %q", got)
	}
	if got := ServiceName(Map{}); got != "unknown" {
		t.Errorf("ServiceName on empty = %q", got)
	}
	if got := ServiceName(Map{"service.name": Int(1)}); got != "unknown" {
		t.Errorf("ServiceName on non-string = %q", got)
	}
}
