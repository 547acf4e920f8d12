package observability

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for spans and metrics emitted by the
// run engine.
var (
	AttrTenantID    = attribute.Key("attest.tenant.id")
	AttrRunID       = attribute.Key("attest.run.id")
	AttrLLMProvider = attribute.Key("attest.llm.provider")
)

// RunAttrs builds the standard attribute set for telemetry covering one run.
func RunAttrs(tenantID string, runID int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(tenantID),
		AttrRunID.Int64(runID),
	}
}
