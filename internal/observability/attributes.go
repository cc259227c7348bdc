// Package observability provides metrics and tracing for the daemon.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod    = "method"
	attrPath      = "path"
	attrStatus    = "status"
	attrImage     = "image"
	attrSuccess   = "success"
	attrTask      = "task"
	attrFrom      = "from"
	attrTo        = "to"
	attrOutcome   = "outcome"
	attrKind      = "kind"
	attrSweep     = "sweep"
	attrStrategy  = "strategy"
	attrFound     = "found"
	attrOp        = "op"
	attrEventType = "type"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}

func imageAttr(image string) attribute.KeyValue {
	return attribute.String(attrImage, image)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

func taskAttr(taskID string) attribute.KeyValue {
	return attribute.String(attrTask, taskID)
}

func fromAttr(status string) attribute.KeyValue {
	return attribute.String(attrFrom, status)
}

func toAttr(status string) attribute.KeyValue {
	return attribute.String(attrTo, status)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

func kindAttr(kind string) attribute.KeyValue {
	return attribute.String(attrKind, kind)
}

func sweepAttr(sweep string) attribute.KeyValue {
	return attribute.String(attrSweep, sweep)
}

func strategyAttr(strategy string) attribute.KeyValue {
	return attribute.String(attrStrategy, strategy)
}

func foundAttr(found bool) attribute.KeyValue {
	return attribute.Bool(attrFound, found)
}

func opAttr(op string) attribute.KeyValue {
	return attribute.String(attrOp, op)
}

func eventTypeAttr(eventType string) attribute.KeyValue {
	return attribute.String(attrEventType, eventType)
}

// normalizePath replaces job ids with a placeholder to bound cardinality:
// /v1/jobs/abc123/cancel -> /v1/jobs/{jobId}/cancel
func normalizePath(path string) string {
	const prefix = "/v1/jobs/"
	rest, ok := strings.CutPrefix(path, prefix)
	if !ok || rest == "" {
		return path
	}
	if _, action, found := strings.Cut(rest, "/"); found {
		return prefix + "{jobId}/" + action
	}
	return prefix + "{jobId}"
}
