package server

import (
	"context"

	"github.com/segmentio/kafka-go"
)

type IKafkaReader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Conf carries the hub limits.
type Conf struct {
	// SessionQuota is the per-user live session cap; the oldest
	// session is closed when exceeded.
	SessionQuota int

	// EventTTLDays: ingested events older than this are discarded.
	EventTTLDays int

	// MaxMsgSize bounds both websocket frames and kafka payloads.
	MaxMsgSize int
}

func (c *Conf) withDefaults() {
	if c.SessionQuota <= 0 {
		c.SessionQuota = 5
	}
	if c.EventTTLDays <= 0 {
		c.EventTTLDays = 30
	}
	if c.MaxMsgSize <= 0 {
		c.MaxMsgSize = 4096
	}
}
