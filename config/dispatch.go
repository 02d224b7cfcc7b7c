package config

import (
	"strings"
	"time"
)

// DispatchDriver selects the broker behind the dispatch bridge.
type DispatchDriver string

const (
	DispatchDriverRedis  DispatchDriver = "redis"
	DispatchDriverKafka  DispatchDriver = "kafka"
	DispatchDriverMemory DispatchDriver = "memory"
)

// DispatchConfig configures the publish/subscribe bridge.
type DispatchConfig struct {
	Driver   DispatchDriver `env:"DISPATCH_DRIVER"   envDefault:"redis"`
	Stream   string         `env:"DISPATCH_STREAM"   envDefault:"ledger:dispatch"`
	Group    string         `env:"DISPATCH_GROUP"    envDefault:"ledger-workers"`
	Consumer string         `env:"DISPATCH_CONSUMER" envDefault:""`
	// Lease is how long a delivery may stay unacknowledged before redelivery.
	Lease time.Duration `env:"DISPATCH_LEASE" envDefault:"5m"`
	// MemoryCapacity bounds the in-process queue.
	MemoryCapacity int `env:"DISPATCH_MEMORY_CAPACITY" envDefault:"1024"`
}

// Sanitize normalises the driver and applies defaults.
func (d *DispatchConfig) Sanitize() {
	d.Driver = DispatchDriver(strings.ToLower(strings.TrimSpace(string(d.Driver))))
	switch d.Driver {
	case DispatchDriverRedis, DispatchDriverKafka, DispatchDriverMemory:
	default:
		d.Driver = DispatchDriverRedis
	}
	if d.Lease <= 0 {
		d.Lease = 5 * time.Minute
	}
	if d.MemoryCapacity < 1 {
		d.MemoryCapacity = 1024
	}
}

// KafkaConfig configures the Kafka bridge.
type KafkaConfig struct {
	Brokers  []string `env:"BROKERS"   envDefault:"localhost:9092"`
	Topic    string   `env:"TOPIC"     envDefault:"ledger-dispatch"`
	GroupID  string   `env:"GROUP_ID"  envDefault:"ledger-workers"`
	ClientID string   `env:"CLIENT_ID" envDefault:"mmk-ledger"`
}

// Sanitize drops blank broker entries.
func (k *KafkaConfig) Sanitize() {
	out := k.Brokers[:0]
	for _, b := range k.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	k.Brokers = out
}
