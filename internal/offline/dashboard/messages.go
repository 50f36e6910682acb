// Package dashboard publishes the sync status indicator.
//
// Handler keeps the Indicator current from connectivity and sync events.
// Server pushes every change to WebSocket subscribers as a Message and
// answers GET /status with the current Indicator.
package dashboard

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType names the payload carried by a Message.
type MessageType string

const (
	MessageTypeStatus       MessageType = "status"        // StatusData
	MessageTypeConnectivity MessageType = "connectivity"  // ConnectivityData
	MessageTypeSyncStarted  MessageType = "sync_started"  // no data
	MessageTypeSyncComplete MessageType = "sync_complete" // SyncCompleteData
	MessageTypePending      MessageType = "pending"       // PendingData
)

// Message is one WebSocket frame.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// StatusData is the Indicator together with its rendered text.
type StatusData struct {
	Indicator
	Text string `json:"text"`
}

type ConnectivityData struct {
	Online bool   `json:"online"`
	Source string `json:"source"`
}

// SyncCompleteData reports a finished pass. Pending is the queue length
// after it.
type SyncCompleteData struct {
	Synced   int           `json:"synced"`
	Failed   int           `json:"failed"`
	Pending  int           `json:"pending"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

type PendingData struct {
	Pending int `json:"pending"`
}

// newMessage stamps payload with typ and the current time. A nil payload
// leaves Data empty.
func newMessage(typ MessageType, payload any) (Message, error) {
	msg := Message{Type: typ, Timestamp: time.Now()}
	if payload == nil {
		return msg, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal %s data: %w", typ, err)
	}
	msg.Data = data
	return msg, nil
}

func statusMessage(ind Indicator) Message {
	msg, _ := newMessage(MessageTypeStatus, StatusData{Indicator: ind, Text: ind.Text()})
	return msg
}
