// Package transport implements a partitioned, at-least-once,
// log-structured message bus. The production Bus is backed by Redis
// Streams (redisbus.go); MemoryBus is an in-process test double with the
// same delivery semantics for package tests that don't need a live broker.
package transport

import (
	"context"
	"fmt"
)

// Message is a single delivered record. Headers carry whatever the
// producer set; the producers in this module set entity-type only. The
// schema version travels inside the envelope in Value, not as a
// header, and no producer here sets the tracing headers.
type Message struct {
	Topic     string
	Key       string
	Value     []byte
	Headers   map[string]string
	ID        string // broker-assigned record id, used to ack
}

// Handler processes one delivered message. Returning nil acks it;
// returning an error routes it to the topic's dead-letter stream, after
// which the original is acked and not redelivered.
type Handler func(ctx context.Context, msg Message) error

// Header names recognised on messages. Producers in this module set only
// HeaderEntityType.
const (
	HeaderEntityType    = "entity-type"
	HeaderSchemaVersion = "schema-version"
	HeaderTraceID       = "trace-id"
	HeaderSpanID        = "span-id"
	HeaderTraceFlags    = "trace-flags"

	// Dead-letter headers, set by the bus itself when routing a failed
	// delivery.
	HeaderOriginalTopic     = "original-topic"
	HeaderOriginalPartition = "original-partition"
	HeaderOriginalOffset    = "original-offset"
	HeaderError             = "error"
)

// DeadLetterTopic returns the dead-letter stream name for topic.
func DeadLetterTopic(topic string) string {
	return "arc.dead-letter." + topic
}

// Bus is the transport surface every producer/consumer in this module
// depends on. Send is fire-and-forget from the caller's perspective
// (durability is the broker's job); Subscribe blocks, running handler for
// each delivered message until ctx is canceled.
type Bus interface {
	Send(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
	Subscribe(ctx context.Context, topic, groupID string, handler Handler) error
	Close() error
}

// Topic names shared across components. These are contractual: every
// producer and consumer in the system must agree on them exactly, so
// they're named here once rather than inlined at each call site.
const (
	TopicNodeTelemetry     = "arc.telemetry.nodes"
	TopicInferenceRequests = "arc.request.inference"
	TopicInferenceRetry    = "arc.request.retry"
	TopicInferenceRejected = "arc.request.rejected"
	TopicDispatchCommands  = "arc.command.dispatch" // consumers append ".<geozone>"
	TopicTrainingJobs      = "arc.job.submission"
	TopicBridgePending     = "arc.bridge.pending"
	TopicRegionalSummaries = "arc.telemetry.regional-summary"
	TopicOrnlIngress       = "ornl.bridge.ingress"
	TopicMeshTraining      = "arc.scheduler.training"
	TopicBridgeFailed      = "arc.bridge.failed"
)

// ErrBusClosed is returned by Send/Subscribe once Close has run.
var ErrBusClosed = fmt.Errorf("transport: bus closed")
