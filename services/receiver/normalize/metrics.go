// Copyright (C) 2025 The TinyOlly Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package normalize

import (
	"encoding/binary"
	"encoding/hex"
	"errors"

	"github.com/cespare/xxhash/v2"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"

	"github.com/tinyolly/tinyolly/pkg/otelattr"
	"github.com/tinyolly/tinyolly/services/receiver/model"
	"github.com/tinyolly/tinyolly/services/store"
)

// MetricsBatch is the normalized form of one ExportMetricsServiceRequest.
type MetricsBatch struct {
	Catalog   []model.CatalogEntry
	Series    []model.SeriesMeta
	Points    []model.DataPoint
	Exemplars []model.Exemplar
	Resources []model.ResourceEntry
	Scopes    []model.ScopeEntry

	// RejectedPoints counts datapoints dropped for kind conflicts, for
	// the OTLP partial-success response.
	RejectedPoints int

	// Conflicts lists metric names rejected with ErrMetricKindConflict.
	Conflicts []string
}

// Metrics normalizes one OTLP metrics request.
//
// A metric whose kind conflicts with the recorded catalog entry is dropped
// whole and named in Conflicts. Metric names over the cardinality budget
// are discarded silently; the store's guard does the counting.
func (n *Normalizer) Metrics(resourceMetrics []*metricspb.ResourceMetrics, ingestNano uint64) MetricsBatch {
	var batch MetricsBatch
	intern := newInternSet()
	seenNames := make(map[string]model.MetricKind)
	seenSeries := make(map[string]map[uint64]int) // name -> fp -> index into Series

	for _, rm := range resourceMetrics {
		resRef, resAttrs := n.internResource(rm.GetResource(), intern, &batch.Resources)
		service := otelattr.ServiceName(resAttrs)

		for _, sm := range rm.GetScopeMetrics() {
			n.internScope(sm.GetScope(), intern, &batch.Scopes)

			for _, metric := range sm.GetMetrics() {
				kind, ok := metricKind(metric)
				if !ok {
					continue // no payload populated
				}
				name := metric.GetName()

				if prior, seen := seenNames[name]; seen {
					if prior != kind {
						batch.reject(name, countPoints(metric))
						continue
					}
				} else {
					stored, err := n.catalog.GetCatalogEntry(name)
					switch {
					case err == nil && stored.Kind != kind:
						n.logger.Warn("metric kind conflict",
							"metric", name,
							"stored_kind", stored.Kind.String(),
							"got_kind", kind.String())
						batch.reject(name, countPoints(metric))
						seenNames[name] = stored.Kind
						continue
					case err != nil && !errors.Is(err, store.ErrNotFound):
						n.logger.Warn("catalog lookup failed", "metric", name, "error", err)
					}
					if !n.catalog.AdmitMetric(name) {
						continue
					}
					seenNames[name] = kind
					batch.Catalog = append(batch.Catalog, catalogEntry(metric, kind, ingestNano))
				}

				n.metricPoints(&batch, metric, kind, resRef, service, ingestNano, seenSeries)
			}
		}
	}
	return batch
}

func (b *MetricsBatch) reject(name string, points int) {
	b.RejectedPoints += points
	for _, c := range b.Conflicts {
		if c == name {
			return
		}
	}
	b.Conflicts = append(b.Conflicts, name)
}

// metricKind maps the populated data oneof to the internal kind.
func metricKind(metric *metricspb.Metric) (model.MetricKind, bool) {
	switch metric.GetData().(type) {
	case *metricspb.Metric_Gauge:
		return model.KindGauge, true
	case *metricspb.Metric_Sum:
		return model.KindSum, true
	case *metricspb.Metric_Histogram:
		return model.KindHistogram, true
	case *metricspb.Metric_ExponentialHistogram:
		return model.KindExponentialHistogram, true
	case *metricspb.Metric_Summary:
		return model.KindSummary, true
	default:
		return 0, false
	}
}

func countPoints(metric *metricspb.Metric) int {
	switch data := metric.GetData().(type) {
	case *metricspb.Metric_Gauge:
		return len(data.Gauge.GetDataPoints())
	case *metricspb.Metric_Sum:
		return len(data.Sum.GetDataPoints())
	case *metricspb.Metric_Histogram:
		return len(data.Histogram.GetDataPoints())
	case *metricspb.Metric_ExponentialHistogram:
		return len(data.ExponentialHistogram.GetDataPoints())
	case *metricspb.Metric_Summary:
		return len(data.Summary.GetDataPoints())
	default:
		return 0
	}
}

func catalogEntry(metric *metricspb.Metric, kind model.MetricKind, ingestNano uint64) model.CatalogEntry {
	entry := model.CatalogEntry{
		Schema:      model.SchemaCatalog,
		Name:        metric.GetName(),
		Kind:        kind,
		Unit:        metric.GetUnit(),
		Description: metric.GetDescription(),
		IngestNano:  ingestNano,
	}
	switch data := metric.GetData().(type) {
	case *metricspb.Metric_Sum:
		entry.Temporality = temporality(data.Sum.GetAggregationTemporality())
		entry.Monotonic = data.Sum.GetIsMonotonic()
	case *metricspb.Metric_Histogram:
		entry.Temporality = temporality(data.Histogram.GetAggregationTemporality())
	case *metricspb.Metric_ExponentialHistogram:
		entry.Temporality = temporality(data.ExponentialHistogram.GetAggregationTemporality())
	}
	return entry
}

func temporality(t metricspb.AggregationTemporality) string {
	switch t {
	case metricspb.AggregationTemporality_AGGREGATION_TEMPORALITY_DELTA:
		return "delta"
	case metricspb.AggregationTemporality_AGGREGATION_TEMPORALITY_CUMULATIVE:
		return "cumulative"
	default:
		return ""
	}
}

// metricPoints appends the datapoints, series metadata, and exemplars of
// one admitted metric.
func (n *Normalizer) metricPoints(batch *MetricsBatch, metric *metricspb.Metric, kind model.MetricKind,
	resRef uint64, service string, ingestNano uint64, seenSeries map[string]map[uint64]int) {

	name := metric.GetName()

	record := func(attrs otelattr.Map, tsNano uint64, build func(fp uint64) model.DataPoint, exemplars []*metricspb.Exemplar) {
		fp := seriesFingerprint(resRef, attrs)
		n.trackSeries(batch, seenSeries, name, fp, resRef, service, attrs, tsNano, ingestNano)
		batch.Points = append(batch.Points, build(fp))
		for _, ex := range exemplars {
			batch.Exemplars = append(batch.Exemplars, n.exemplar(name, fp, ex, ingestNano))
		}
	}

	switch data := metric.GetData().(type) {
	case *metricspb.Metric_Gauge:
		for _, dp := range data.Gauge.GetDataPoints() {
			attrs := n.pointAttrs(dp.GetAttributes())
			record(attrs, dp.GetTimeUnixNano(), func(fp uint64) model.DataPoint {
				return numberPoint(name, fp, kind, dp, ingestNano)
			}, dp.GetExemplars())
		}
	case *metricspb.Metric_Sum:
		for _, dp := range data.Sum.GetDataPoints() {
			attrs := n.pointAttrs(dp.GetAttributes())
			record(attrs, dp.GetTimeUnixNano(), func(fp uint64) model.DataPoint {
				return numberPoint(name, fp, kind, dp, ingestNano)
			}, dp.GetExemplars())
		}
	case *metricspb.Metric_Histogram:
		for _, dp := range data.Histogram.GetDataPoints() {
			attrs := n.pointAttrs(dp.GetAttributes())
			record(attrs, dp.GetTimeUnixNano(), func(fp uint64) model.DataPoint {
				return model.DataPoint{
					Schema:      model.SchemaDataPoint,
					MetricName:  name,
					Fingerprint: fp,
					Kind:        kind,
					TimeNano:    dp.GetTimeUnixNano(),
					StartNano:   dp.GetStartTimeUnixNano(),
					Histogram: &model.HistogramPoint{
						Count:        dp.GetCount(),
						Sum:          dp.GetSum(),
						Min:          optFloat(dp.Min),
						Max:          optFloat(dp.Max),
						BucketCounts: dp.GetBucketCounts(),
						Bounds:       dp.GetExplicitBounds(),
					},
					IngestNano: ingestNano,
				}
			}, dp.GetExemplars())
		}
	case *metricspb.Metric_ExponentialHistogram:
		for _, dp := range data.ExponentialHistogram.GetDataPoints() {
			attrs := n.pointAttrs(dp.GetAttributes())
			record(attrs, dp.GetTimeUnixNano(), func(fp uint64) model.DataPoint {
				return model.DataPoint{
					Schema:      model.SchemaDataPoint,
					MetricName:  name,
					Fingerprint: fp,
					Kind:        kind,
					TimeNano:    dp.GetTimeUnixNano(),
					StartNano:   dp.GetStartTimeUnixNano(),
					ExpHistogram: &model.ExpHistogramPoint{
						Count:     dp.GetCount(),
						Sum:       dp.GetSum(),
						Scale:     dp.GetScale(),
						ZeroCount: dp.GetZeroCount(),
						Positive: model.ExpBuckets{
							Offset: dp.GetPositive().GetOffset(),
							Counts: dp.GetPositive().GetBucketCounts(),
						},
						Negative: model.ExpBuckets{
							Offset: dp.GetNegative().GetOffset(),
							Counts: dp.GetNegative().GetBucketCounts(),
						},
						Min: optFloat(dp.Min),
						Max: optFloat(dp.Max),
					},
					IngestNano: ingestNano,
				}
			}, dp.GetExemplars())
		}
	case *metricspb.Metric_Summary:
		for _, dp := range data.Summary.GetDataPoints() {
			attrs := n.pointAttrs(dp.GetAttributes())
			record(attrs, dp.GetTimeUnixNano(), func(fp uint64) model.DataPoint {
				point := model.DataPoint{
					Schema:      model.SchemaDataPoint,
					MetricName:  name,
					Fingerprint: fp,
					Kind:        kind,
					TimeNano:    dp.GetTimeUnixNano(),
					StartNano:   dp.GetStartTimeUnixNano(),
					Summary: &model.SummaryPoint{
						Count: dp.GetCount(),
						Sum:   dp.GetSum(),
					},
					IngestNano: ingestNano,
				}
				for _, q := range dp.GetQuantileValues() {
					point.Summary.Quantiles = append(point.Summary.Quantiles, model.SummaryQuantile{
						Quantile: q.GetQuantile(),
						Value:    q.GetValue(),
					})
				}
				return point
			}, nil)
		}
	}
}

func (n *Normalizer) pointAttrs(kvs []*commonpb.KeyValue) otelattr.Map {
	attrs, dropped := otelattr.FromProto(kvs)
	n.countDroppedAttrs(dropped)
	return attrs
}

func numberPoint(name string, fp uint64, kind model.MetricKind, dp *metricspb.NumberDataPoint, ingestNano uint64) model.DataPoint {
	return model.DataPoint{
		Schema:      model.SchemaDataPoint,
		MetricName:  name,
		Fingerprint: fp,
		Kind:        kind,
		TimeNano:    dp.GetTimeUnixNano(),
		StartNano:   dp.GetStartTimeUnixNano(),
		Value:       numberValue(dp),
		IngestNano:  ingestNano,
	}
}

func numberValue(dp *metricspb.NumberDataPoint) float64 {
	switch v := dp.GetValue().(type) {
	case *metricspb.NumberDataPoint_AsDouble:
		return v.AsDouble
	case *metricspb.NumberDataPoint_AsInt:
		return float64(v.AsInt)
	default:
		return 0
	}
}

func (n *Normalizer) trackSeries(batch *MetricsBatch, seen map[string]map[uint64]int,
	name string, fp, resRef uint64, service string, attrs otelattr.Map, tsNano, ingestNano uint64) {

	byFP, ok := seen[name]
	if !ok {
		byFP = make(map[uint64]int)
		seen[name] = byFP
	}
	if idx, ok := byFP[fp]; ok {
		if tsNano > batch.Series[idx].LastNano {
			batch.Series[idx].LastNano = tsNano
		}
		return
	}
	byFP[fp] = len(batch.Series)
	batch.Series = append(batch.Series, model.SeriesMeta{
		Schema:      model.SchemaSeries,
		MetricName:  name,
		Fingerprint: fp,
		ResourceRef: resRef,
		Attrs:       attrs,
		ServiceName: service,
		LastNano:    tsNano,
		IngestNano:  ingestNano,
	})
}

func (n *Normalizer) exemplar(name string, fp uint64, ex *metricspb.Exemplar, ingestNano uint64) model.Exemplar {
	attrs, dropped := otelattr.FromProto(ex.GetFilteredAttributes())
	n.countDroppedAttrs(dropped)

	record := model.Exemplar{
		Schema:      model.SchemaExemplar,
		MetricName:  name,
		Fingerprint: fp,
		TimeNano:    ex.GetTimeUnixNano(),
		Attrs:       attrs,
		IngestNano:  ingestNano,
	}
	switch v := ex.GetValue().(type) {
	case *metricspb.Exemplar_AsDouble:
		record.Value = v.AsDouble
	case *metricspb.Exemplar_AsInt:
		record.Value = float64(v.AsInt)
	}
	if tid := ex.GetTraceId(); len(tid) == 16 {
		record.TraceID = hex.EncodeToString(tid)
	}
	if sid := ex.GetSpanId(); len(sid) == 8 {
		record.SpanID = hex.EncodeToString(sid)
	}
	return record
}

// optFloat copies an optional proto float so records do not alias the
// request message.
func optFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	f := *v
	return &f
}

// seriesFingerprint identifies a series by (resource_ref, attributes).
func seriesFingerprint(resRef uint64, attrs otelattr.Map) uint64 {
	var b [16]byte
	binary.BigEndian.PutUint64(b[:8], resRef)
	binary.BigEndian.PutUint64(b[8:], otelattr.Fingerprint(attrs))
	return xxhash.Sum64(b[:])
}
