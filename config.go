package kcg

import (
	"errors"
	"fmt"
	"time"
)

// FetchTime selects the time semantics of a time-based offset lookup, used
// when a partition has no committed offset or when a fetch offset falls out
// of range.
type FetchTime int64

const (
	// EarliestOffset requests the log start offset.
	EarliestOffset FetchTime = -2
	// LatestOffset requests the high watermark.
	LatestOffset FetchTime = -1
)

// FetchTimeAt requests the first offset with a timestamp at or after t.
func FetchTimeAt(t time.Time) FetchTime {
	return FetchTime(t.UnixMilli())
}

type cfg struct {
	logger wrappedLogger

	group  string
	topics []string

	sessionTimeout     time.Duration
	heartbeatFrequency int32

	fetchMinBytes    int32
	fetchMaxWait     time.Duration
	fetchBufferBytes int32

	offsetRetentionMillis int64
	fetchTime             FetchTime

	fetchIdleWait  time.Duration
	outOfRangeWait time.Duration

	balancers []GroupBalancer
}

func defaultCfg() cfg {
	return cfg{
		logger: wrappedLogger{new(nopLogger)},

		sessionTimeout:     20000 * time.Millisecond,
		heartbeatFrequency: 10,

		fetchMinBytes:    0,
		fetchMaxWait:     0,
		fetchBufferBytes: 1_000_000,

		offsetRetentionMillis: -1,
		fetchTime:             EarliestOffset,

		fetchIdleWait:  10 * time.Second,
		outOfRangeWait: 5 * time.Second,

		balancers: []GroupBalancer{
			RangeByIndexBalancer(),
		},
	}
}

func (c *cfg) validate() error {
	if c.group == "" {
		return errors.New("invalid empty group name")
	}
	if len(c.topics) == 0 {
		return errors.New("no topics to consume")
	}
	if c.sessionTimeout <= 0 {
		return fmt.Errorf("invalid session timeout %v", c.sessionTimeout)
	}
	if c.heartbeatFrequency <= 0 {
		return fmt.Errorf("invalid heartbeat frequency %d", c.heartbeatFrequency)
	}
	if len(c.balancers) == 0 {
		return errors.New("no group balancers")
	}
	return nil
}

// heartbeatInterval is how long the heartbeat loop sleeps between beats.
func (c *cfg) heartbeatInterval() time.Duration {
	return c.sessionTimeout / time.Duration(c.heartbeatFrequency)
}

// Opt is an option to configure a consumer.
type Opt interface {
	apply(*cfg)
}

type opt struct {
	fn func(*cfg)
}

func (o opt) apply(c *cfg) { o.fn(c) }

// WithLogger sets the logger to use. The default logger drops everything.
func WithLogger(l Logger) Opt {
	return opt{func(c *cfg) { c.logger = wrappedLogger{l} }}
}

// SessionTimeout sets how long a group member can go between heartbeats
// before the broker removes it from the group and initiates a rebalance,
// overriding the default 20,000ms.
//
// This corresponds to Kafka's session.timeout.ms setting and must be within
// the broker's group.min.session.timeout.ms and group.max.session.timeout.ms.
func SessionTimeout(timeout time.Duration) Opt {
	return opt{func(c *cfg) { c.sessionTimeout = timeout }}
}

// HeartbeatFrequency sets how many heartbeats are sent per session timeout,
// overriding the default 10. The heartbeat interval is the session timeout
// divided by this frequency.
func HeartbeatFrequency(n int) Opt {
	return opt{func(c *cfg) { c.heartbeatFrequency = int32(n) }}
}

// FetchMinBytes sets the minimum bytes a broker must have before it answers
// a fetch, overriding the default 0.
func FetchMinBytes(n int32) Opt {
	return opt{func(c *cfg) { c.fetchMinBytes = n }}
}

// FetchMaxWait sets how long a broker holds a fetch before answering with
// whatever it has, overriding the default 0.
func FetchMaxWait(d time.Duration) Opt {
	return opt{func(c *cfg) { c.fetchMaxWait = d }}
}

// FetchBufferBytes sets the maximum bytes fetched per partition per request,
// overriding the default 1,000,000.
func FetchBufferBytes(n int32) Opt {
	return opt{func(c *cfg) { c.fetchBufferBytes = n }}
}

// OffsetRetention sets how long the broker retains committed offsets,
// overriding the default of -1 (the broker's own default).
func OffsetRetention(d time.Duration) Opt {
	return opt{func(c *cfg) { c.offsetRetentionMillis = d.Milliseconds() }}
}

// InitialFetchTime sets where consuming begins for partitions with no
// committed offset, overriding the default EarliestOffset.
func InitialFetchTime(t FetchTime) Opt {
	return opt{func(c *cfg) { c.fetchTime = t }}
}

// FetchIdleWait sets how long a partition stream sleeps after an empty fetch
// before retrying at the same offset, overriding the default 10s.
func FetchIdleWait(d time.Duration) Opt {
	return opt{func(c *cfg) { c.fetchIdleWait = d }}
}

// OffsetOutOfRangeWait sets how long a partition stream sleeps after
// recovering an out-of-range offset before resuming, overriding the default
// 5s.
func OffsetOutOfRangeWait(d time.Duration) Opt {
	return opt{func(c *cfg) { c.outOfRangeWait = d }}
}

// Balancers sets the group balancers to use for dividing topic partitions
// among group members, overriding the default range-by-index.
//
// For balancing, Kafka chooses the first protocol that all group members
// agree to support.
func Balancers(balancers ...GroupBalancer) Opt {
	return opt{func(c *cfg) { c.balancers = balancers }}
}
