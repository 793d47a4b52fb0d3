// Package telemetry provides OpenTelemetry setup and attribute conventions for
// the sync layer.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by the sync layer's instruments.
const (
	AttrEnvironment = attribute.Key("environment")
	AttrScope       = attribute.Key("scope")
	AttrMethod      = attribute.Key("method")
	AttrOperation   = attribute.Key("operation")
	AttrResult      = attribute.Key("result")
	AttrOutcome     = attribute.Key("outcome")
	AttrLimiter     = attribute.Key("limiter")
	AttrErrorType   = attribute.Key("error.type")
)

// Result values
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// ScopeAttributes returns the base attributes for scope-partitioned metrics.
func ScopeAttributes(environment, scope string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrScope.String(scope),
	}
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(environment, scope, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrScope.String(scope),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}
