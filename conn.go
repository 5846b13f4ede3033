package kcg

import (
	"context"

	"github.com/twmb/franz-go/pkg/kmsg"
)

// BrokerRef identifies a broker returned by coordinator discovery.
type BrokerRef struct {
	NodeID int32
	Host   string
	Port   int32
}

// Conn is the connection layer the consumer core runs over. Implementations
// own the broker sockets, request routing, and codecs; this package only
// issues requests and interprets responses.
//
// Wire structures follow Kafka protocol v0 and are expressed as kmsg types.
// Fetch is the one exception: record batches are decoded (and decompressed)
// by the connection layer, so fetch responses carry Messages rather than raw
// bytes.
//
// All methods must be safe for concurrent use.
type Conn interface {
	// GroupCoordinator returns the broker coordinating the given group.
	GroupCoordinator(ctx context.Context, group string) (BrokerRef, error)

	// Reconnect forces all broker channels to be reestablished. The core
	// calls this when rejoining with a known member id, recovering from a
	// dead coordinator.
	Reconnect(ctx context.Context) error

	JoinGroup(ctx context.Context, req *kmsg.JoinGroupRequest) (*kmsg.JoinGroupResponse, error)
	SyncGroup(ctx context.Context, req *kmsg.SyncGroupRequest) (*kmsg.SyncGroupResponse, error)
	Heartbeat(ctx context.Context, req *kmsg.HeartbeatRequest) (*kmsg.HeartbeatResponse, error)
	OffsetFetch(ctx context.Context, req *kmsg.OffsetFetchRequest) (*kmsg.OffsetFetchResponse, error)
	ListOffsets(ctx context.Context, req *kmsg.ListOffsetsRequest) (*kmsg.ListOffsetsResponse, error)
	OffsetCommit(ctx context.Context, req *kmsg.OffsetCommitRequest) (*kmsg.OffsetCommitResponse, error)
	Fetch(ctx context.Context, req *kmsg.FetchRequest) (*FetchResponse, error)

	// Metadata returns the partitions of the requested topics.
	Metadata(ctx context.Context, topics []string) (map[string][]int32, error)

	// Done is closed when the connection is shutting down. Every
	// generation registers on this signal; when it fires, the outstanding
	// generation closes and the generation sequence ends.
	Done() <-chan struct{}
}

// Message is a single decoded record.
type Message struct {
	Offset int64
	Key    []byte
	Value  []byte
}

// MessageSet is a batch of messages fetched from one partition, in offset
// order, along with the partition's high watermark at fetch time.
type MessageSet struct {
	Topic         string
	Partition     int32
	Messages      []Message
	HighWatermark int64
}

// Empty reports whether the set contains no messages.
func (ms *MessageSet) Empty() bool { return len(ms.Messages) == 0 }

// FirstOffset returns the offset of the first message in the set. The set
// must be non-empty.
func (ms *MessageSet) FirstOffset() int64 { return ms.Messages[0].Offset }

// NextOffset returns the offset to fetch after this set: the high watermark
// or one past the last message, whichever is larger. The set must be
// non-empty.
func (ms *MessageSet) NextOffset() int64 {
	next := ms.Messages[len(ms.Messages)-1].Offset + 1
	if ms.HighWatermark > next {
		return ms.HighWatermark
	}
	return next
}

// FetchResponse is a decoded fetch response.
type FetchResponse struct {
	Topics []FetchResponseTopic
}

// FetchResponseTopic is a decoded fetch response for one topic.
type FetchResponseTopic struct {
	Topic      string
	Partitions []FetchResponsePartition
}

// FetchResponsePartition is a decoded fetch response for one partition.
type FetchResponsePartition struct {
	Partition     int32
	ErrorCode     int16
	HighWatermark int64
	Messages      []Message
}
