// Copyright (C) 2025 The TinyOlly Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package normalize

import (
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"

	"github.com/tinyolly/tinyolly/pkg/otelattr"
	"github.com/tinyolly/tinyolly/services/receiver/model"
)

// internSet deduplicates resource and scope entries within one batch.
type internSet struct {
	resources map[uint64]struct{}
	scopes    map[uint64]struct{}
}

func newInternSet() *internSet {
	return &internSet{
		resources: make(map[uint64]struct{}),
		scopes:    make(map[uint64]struct{}),
	}
}

// internResource hashes the resource attribute set to its ref and records
// the entry once per batch.
func (n *Normalizer) internResource(res *resourcepb.Resource, set *internSet, out *[]model.ResourceEntry) (uint64, otelattr.Map) {
	attrs, dropped := otelattr.FromProto(res.GetAttributes())
	n.countDroppedAttrs(dropped)

	ref := otelattr.Fingerprint(attrs)
	if _, ok := set.resources[ref]; !ok {
		set.resources[ref] = struct{}{}
		*out = append(*out, model.ResourceEntry{
			Schema: model.SchemaResource,
			Ref:    ref,
			Attrs:  attrs,
		})
	}
	return ref, attrs
}

// internScope hashes the instrumentation scope identity (name, version,
// attributes) to its ref. The name and version fold into the hash under
// the otel.scope.* keys so they cannot collide with user attributes.
func (n *Normalizer) internScope(scope *commonpb.InstrumentationScope, set *internSet, out *[]model.ScopeEntry) uint64 {
	attrs, dropped := otelattr.FromProto(scope.GetAttributes())
	n.countDroppedAttrs(dropped)

	ident := make(otelattr.Map, len(attrs)+2)
	for k, v := range attrs {
		ident[k] = v
	}
	ident["otel.scope.name"] = otelattr.String(scope.GetName())
	ident["otel.scope.version"] = otelattr.String(scope.GetVersion())

	ref := otelattr.Fingerprint(ident)
	if _, ok := set.scopes[ref]; !ok {
		set.scopes[ref] = struct{}{}
		*out = append(*out, model.ScopeEntry{
			Schema:  model.SchemaScope,
			Ref:     ref,
			Name:    scope.GetName(),
			Version: scope.GetVersion(),
			Attrs:   attrs,
		})
	}
	return ref
}
