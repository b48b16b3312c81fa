// Copyright (C) 2025 The TinyOlly Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import "encoding/binary"

// Key namespaces. One prefix per index; badger iterates keys in ascending
// byte order, so time-ordered indexes embed a big-endian timestamp (newest
// first via bitwise complement, see revNano).
//
//	s:   <traceID><spanID>                      -> encoded Span
//	ti:  <revNano(ingest)><traceID>             -> traceID (recent traces)
//	ts:  <traceID><startNano><spanID>           -> spanID  (spans of a trace, start order)
//	si:  <revNano(start)><traceID><spanID>      -> traceID+spanID (recent spans)
//	svc: <service>\x00<revNano(start)><spanID>  -> traceID+spanID (recent spans per service)
//	l:   <logID>                                -> encoded Log
//	li:  <revNano(ts)><logID>                   -> logID (recent logs)
//	tl:  <traceID><tsNano><logID>               -> logID (logs of a trace, time order)
//	mn:  <name>                                 -> encoded CatalogEntry
//	msr: <name>\x00<fingerprint>                -> encoded SeriesMeta
//	mdp: <name>\x00<fingerprint><tsNano><disc>  -> encoded DataPoint
//	mex: <name>\x00<fingerprint><tsNano><disc>  -> encoded Exemplar
//	res: <ref>                                  -> encoded ResourceEntry
//	sc:  <ref>                                  -> encoded ScopeEntry
//
// Trace and span ids are fixed-width lowercase hex (32 and 16 bytes), so
// they need no separator. Service and metric names are variable-width and
// get a NUL separator; NUL cannot appear in OTLP identifiers.
const (
	prefixSpan       = "s:"
	prefixTraceIndex = "ti:"
	prefixTraceSpans = "ts:"
	prefixSpanIndex  = "si:"
	prefixService    = "svc:"
	prefixLog        = "l:"
	prefixLogIndex   = "li:"
	prefixTraceLogs  = "tl:"
	prefixMetricName = "mn:"
	prefixSeries     = "msr:"
	prefixDataPoint  = "mdp:"
	prefixExemplar   = "mex:"
	prefixResource   = "res:"
	prefixScope      = "sc:"
)

// revNano encodes nanoseconds so that larger timestamps sort first under
// badger's ascending iterator.
func revNano(nanos uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], ^nanos)
	return b[:]
}

// fwdNano encodes nanoseconds in natural ascending order.
func fwdNano(nanos uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], nanos)
	return b[:]
}

func spanKey(traceID, spanID string) []byte {
	return concat(prefixSpan, []byte(traceID), []byte(spanID))
}

func traceIndexKey(ingestNano uint64, traceID string) []byte {
	return concat(prefixTraceIndex, revNano(ingestNano), []byte(traceID))
}

func traceSpansKey(traceID string, startNano uint64, spanID string) []byte {
	return concat(prefixTraceSpans, []byte(traceID), fwdNano(startNano), []byte(spanID))
}

func spanIndexKey(startNano uint64, traceID, spanID string) []byte {
	return concat(prefixSpanIndex, revNano(startNano), []byte(traceID), []byte(spanID))
}

func serviceKey(service string, startNano uint64, spanID string) []byte {
	return concat(prefixService, []byte(service), []byte{0}, revNano(startNano), []byte(spanID))
}

func servicePrefix(service string) []byte {
	return concat(prefixService, []byte(service), []byte{0})
}

func logKey(logID string) []byte {
	return concat(prefixLog, []byte(logID))
}

func logIndexKey(tsNano uint64, logID string) []byte {
	return concat(prefixLogIndex, revNano(tsNano), []byte(logID))
}

func traceLogsKey(traceID string, tsNano uint64, logID string) []byte {
	return concat(prefixTraceLogs, []byte(traceID), fwdNano(tsNano), []byte(logID))
}

func metricNameKey(name string) []byte {
	return concat(prefixMetricName, []byte(name))
}

func seriesKey(name string, fingerprint uint64) []byte {
	return concat(prefixSeries, []byte(name), []byte{0}, fwdNano(fingerprint))
}

func seriesPrefix(name string) []byte {
	return concat(prefixSeries, []byte(name), []byte{0})
}

func dataPointKey(name string, fingerprint, tsNano uint64, disc uint32) []byte {
	var d [4]byte
	binary.BigEndian.PutUint32(d[:], disc)
	return concat(prefixDataPoint, []byte(name), []byte{0}, fwdNano(fingerprint), fwdNano(tsNano), d[:])
}

func dataPointPrefix(name string, fingerprint uint64) []byte {
	return concat(prefixDataPoint, []byte(name), []byte{0}, fwdNano(fingerprint))
}

func exemplarKey(name string, fingerprint, tsNano uint64, disc uint32) []byte {
	var d [4]byte
	binary.BigEndian.PutUint32(d[:], disc)
	return concat(prefixExemplar, []byte(name), []byte{0}, fwdNano(fingerprint), fwdNano(tsNano), d[:])
}

func exemplarPrefix(name string, fingerprint uint64) []byte {
	return concat(prefixExemplar, []byte(name), []byte{0}, fwdNano(fingerprint))
}

func resourceKey(ref uint64) []byte {
	return concat(prefixResource, fwdNano(ref))
}

func scopeKey(ref uint64) []byte {
	return concat(prefixScope, fwdNano(ref))
}

func concat(prefix string, parts ...[]byte) []byte {
	n := len(prefix)
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	out = append(out, prefix...)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
