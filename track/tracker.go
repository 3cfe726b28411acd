// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package track records which messages a consumer has received.
//
// Each tracker belongs to exactly one consumer and is never shared across
// consumers. Record is called from the transport's delivery goroutine and
// Snapshot from the aggregator's reporting timer; both serialize through the
// tracker's own mutex so a snapshot never observes a half-applied record.
package track

import (
	"sync"
	"time"

	"github.com/absmach/queueprobe/message"
)

// Received is the stored metadata for one delivered message.
type Received struct {
	ReceivedAt time.Time
	Topic      string
	QoS        byte
	Message    message.Message
}

// Outcome reports the effect of a single Record call.
type Outcome struct {
	// IsNew is true when the message ID had not been seen before. A false
	// value marks a broker-level redelivery.
	IsNew bool
	// Total is the monotonic delivery count after this call, redeliveries
	// included.
	Total uint64
}

// Snapshot is a consistent point-in-time view of a tracker.
type Snapshot struct {
	Total      uint64
	MessageIDs []string
	Records    map[string]Received
}

// Tracker accumulates received messages for one consumer. Records are keyed
// by message ID, so a redelivery with an identical ID overwrites its record
// while still advancing the total counter. The divergence between the two
// numbers is the harness's duplicate-delivery signal.
type Tracker struct {
	mu      sync.Mutex
	total   uint64
	records map[string]Received
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{records: make(map[string]Received)}
}

// Record stores one delivery. Atomic with respect to Snapshot: the total
// increment and the map insert happen under one lock acquisition.
func (t *Tracker) Record(topic string, qos byte, msg message.Message) Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.total++
	_, seen := t.records[msg.MessageID]
	t.records[msg.MessageID] = Received{
		ReceivedAt: time.Now(),
		Topic:      topic,
		QoS:        qos,
		Message:    msg,
	}

	return Outcome{IsNew: !seen, Total: t.total}
}

// Snapshot returns the current totals and a copy of the record map. The
// returned data is independent of the tracker and safe to read without
// further locking.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]string, 0, len(t.records))
	records := make(map[string]Received, len(t.records))
	for id, rec := range t.records {
		ids = append(ids, id)
		records[id] = rec
	}

	return Snapshot{Total: t.total, MessageIDs: ids, Records: records}
}

// Total returns the monotonic delivery count.
func (t *Tracker) Total() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// Distinct returns the number of unique message IDs recorded.
func (t *Tracker) Distinct() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}
