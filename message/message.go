// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package message defines the wire payload exchanged between the harness
// publisher and its shared-subscription consumers.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrMissingID is returned when a decoded payload carries no message ID.
var ErrMissingID = errors.New("payload has no message_id")

// Telemetry is the sample sensor reading carried by every test message.
// The values are fixed; the harness verifies delivery, not content.
type Telemetry struct {
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	Status      string  `json:"status"`
}

// Message is one QoS 1 test payload. MessageID is unique per publish
// attempt and Sequence is strictly increasing per sender, so a consumer can
// distinguish redelivery (same ID) from loss (sequence gap).
type Message struct {
	MessageID string    `json:"message_id"`
	Timestamp time.Time `json:"timestamp"`
	Sender    string    `json:"sender"`
	Sequence  uint64    `json:"sequence"`
	Data      Telemetry `json:"data"`
}

// New builds a message with a fresh UUID and the current time.
func New(sender string, sequence uint64) Message {
	return Message{
		MessageID: uuid.NewString(),
		Timestamp: time.Now(),
		Sender:    sender,
		Sequence:  sequence,
		Data: Telemetry{
			Temperature: 25.5,
			Humidity:    60.0,
			Status:      "normal",
		},
	}
}

// Encode serializes the message to its JSON wire form.
func (m Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// Decode parses a JSON wire payload.
func Decode(payload []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if m.MessageID == "" {
		return Message{}, ErrMissingID
	}
	return m, nil
}
