// Copyright (C) 2025 The TinyOlly Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package aggregate

import (
	"context"
	"sort"

	"github.com/tinyolly/tinyolly/pkg/otelattr"
)

// Node types in the service map.
const (
	NodeClient    = "client"
	NodeServer    = "server"
	NodeExternal  = "external"
	NodeDatabase  = "database"
	NodeMessaging = "messaging"
	NodeIsolated  = "isolated"
)

// MapNode is one service (or synthesized backend) in the dependency map.
type MapNode struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	SpanCount int    `json:"span_count"`
}

// MapEdge is one observed caller/callee relation.
type MapEdge struct {
	Source    string  `json:"source"`
	Target    string  `json:"target"`
	CallCount int     `json:"call_count"`
	P95Ms     float64 `json:"p95_ms"`
	Rate      float64 `json:"rate"`
}

// ServiceMap is the dependency graph view.
type ServiceMap struct {
	Nodes []MapNode `json:"nodes"`
	Edges []MapEdge `json:"edges"`
}

// ServiceMap derives the dependency graph from the recent-span sample.
//
// An edge A->B exists when a span in service B has its parent span in
// service A. Spans carrying db.system or messaging.system attributes
// additionally synthesize leaf nodes for the backend they talk to, so
// databases and brokers appear even though they emit no telemetry.
func (e *Engine) ServiceMap(ctx context.Context, limit int) (*ServiceMap, error) {
	e.mu.Lock()
	if e.mapCache.value != nil && e.now().Sub(e.mapCache.at) < cacheTTL {
		m := e.mapCache.value
		e.mu.Unlock()
		return trimMap(m, limit), nil
	}
	e.mu.Unlock()

	spans, err := e.sampleSpans(ctx)
	if err != nil {
		return nil, err
	}

	type edgeAcc struct {
		count     int
		durations []float64
		firstNano uint64
		lastNano  uint64
	}
	type edgeKey struct{ source, target string }

	spanService := make(map[string]string, len(spans)) // traceID+spanID -> service
	spanCounts := make(map[string]int)
	for _, span := range spans {
		spanService[span.TraceID+span.SpanID] = span.ServiceName
		spanCounts[span.ServiceName]++
	}

	edges := make(map[edgeKey]*edgeAcc)
	addEdge := func(source, target string, durationMs float64, startNano uint64) {
		key := edgeKey{source, target}
		acc, ok := edges[key]
		if !ok {
			acc = &edgeAcc{firstNano: startNano}
			edges[key] = acc
		}
		acc.count++
		acc.durations = append(acc.durations, durationMs)
		if startNano < acc.firstNano {
			acc.firstNano = startNano
		}
		if startNano > acc.lastNano {
			acc.lastNano = startNano
		}
	}

	nodeTypes := make(map[string]string)
	for _, span := range spans {
		durationMs := float64(span.DurationNano) / 1e6

		if span.ParentSpanID != "" {
			if parentService, ok := spanService[span.TraceID+span.ParentSpanID]; ok &&
				parentService != span.ServiceName {
				addEdge(parentService, span.ServiceName, durationMs, span.StartNano)
			}
		}

		// Synthesized leaf backends.
		if db, ok := stringAttr(span.Attrs, "db.system"); ok {
			addEdge(span.ServiceName, db, durationMs, span.StartNano)
			nodeTypes[db] = NodeDatabase
			ensureNode(spanCounts, db)
		}
		if broker, ok := stringAttr(span.Attrs, "messaging.system"); ok {
			addEdge(span.ServiceName, broker, durationMs, span.StartNano)
			nodeTypes[broker] = NodeMessaging
			ensureNode(spanCounts, broker)
		}
	}

	incoming := make(map[string]int)
	outgoing := make(map[string]int)
	for key := range edges {
		outgoing[key.source]++
		incoming[key.target]++
	}

	m := &ServiceMap{}
	for service, count := range spanCounts {
		nodeType, fixed := nodeTypes[service]
		if !fixed {
			in, out := incoming[service], outgoing[service]
			switch {
			case in == 0 && out == 0:
				nodeType = NodeIsolated
			case in == 0:
				nodeType = NodeClient
			case out == 0:
				nodeType = NodeExternal
			default:
				nodeType = NodeServer
			}
		}
		m.Nodes = append(m.Nodes, MapNode{ID: service, Type: nodeType, SpanCount: count})
	}
	sort.Slice(m.Nodes, func(i, j int) bool { return m.Nodes[i].ID < m.Nodes[j].ID })

	for key, acc := range edges {
		windowSeconds := float64(acc.lastNano-acc.firstNano) / 1e9
		if windowSeconds < 1 {
			windowSeconds = 1
		}
		m.Edges = append(m.Edges, MapEdge{
			Source:    key.source,
			Target:    key.target,
			CallCount: acc.count,
			P95Ms:     percentileFromSamples(acc.durations, 0.95),
			Rate:      float64(acc.count) / windowSeconds,
		})
	}
	sort.Slice(m.Edges, func(i, j int) bool {
		if m.Edges[i].Source != m.Edges[j].Source {
			return m.Edges[i].Source < m.Edges[j].Source
		}
		return m.Edges[i].Target < m.Edges[j].Target
	})

	e.mu.Lock()
	e.mapCache = cached[*ServiceMap]{value: m, at: e.now()}
	e.mu.Unlock()
	return trimMap(m, limit), nil
}

// trimMap keeps the limit heaviest edges (and every node). Zero means no
// limit.
func trimMap(m *ServiceMap, limit int) *ServiceMap {
	if limit <= 0 || len(m.Edges) <= limit {
		return m
	}
	edges := make([]MapEdge, len(m.Edges))
	copy(edges, m.Edges)
	sort.Slice(edges, func(i, j int) bool { return edges[i].CallCount > edges[j].CallCount })
	return &ServiceMap{Nodes: m.Nodes, Edges: edges[:limit]}
}

func ensureNode(counts map[string]int, id string) {
	if _, ok := counts[id]; !ok {
		counts[id] = 0
	}
}

func stringAttr(attrs otelattr.Map, key string) (string, bool) {
	v, ok := attrs[key]
	if !ok || v.Kind != otelattr.KindString || v.Str == "" {
		return "", false
	}
	return v.Str, true
}
