package kcg

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kmsg"
)

// fakeConn is a scriptable Conn. Each RPC records its request and delegates
// to the matching handler, falling back to a happy single-member default.
type fakeConn struct {
	mu   sync.Mutex
	done chan struct{}

	topics     map[string][]int32
	reconnects int

	onJoin        func(*kmsg.JoinGroupRequest) (*kmsg.JoinGroupResponse, error)
	onSync        func(*kmsg.SyncGroupRequest) (*kmsg.SyncGroupResponse, error)
	onHeartbeat   func(*kmsg.HeartbeatRequest) (*kmsg.HeartbeatResponse, error)
	onOffsetFetch func(*kmsg.OffsetFetchRequest) (*kmsg.OffsetFetchResponse, error)
	onListOffsets func(*kmsg.ListOffsetsRequest) (*kmsg.ListOffsetsResponse, error)
	onCommit      func(*kmsg.OffsetCommitRequest) (*kmsg.OffsetCommitResponse, error)
	onFetch       func(*kmsg.FetchRequest) (*FetchResponse, error)

	joinReqs        []*kmsg.JoinGroupRequest
	syncReqs        []*kmsg.SyncGroupRequest
	heartbeatReqs   []*kmsg.HeartbeatRequest
	offsetFetchReqs []*kmsg.OffsetFetchRequest
	listOffsetReqs  []*kmsg.ListOffsetsRequest
	commitReqs      []*kmsg.OffsetCommitRequest
	fetchReqs       []*kmsg.FetchRequest
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		done:   make(chan struct{}),
		topics: map[string][]int32{"t": {0}},
	}
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.done:
	default:
		close(f.done)
	}
}

func (f *fakeConn) Done() <-chan struct{} { return f.done }

func (f *fakeConn) GroupCoordinator(ctx context.Context, group string) (BrokerRef, error) {
	return BrokerRef{NodeID: 1, Host: "localhost", Port: 9092}, nil
}

func (f *fakeConn) Reconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
	return nil
}

func (f *fakeConn) Metadata(ctx context.Context, topics []string) (map[string][]int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]int32, len(topics))
	for _, topic := range topics {
		out[topic] = f.topics[topic]
	}
	return out, nil
}

func (f *fakeConn) JoinGroup(ctx context.Context, req *kmsg.JoinGroupRequest) (*kmsg.JoinGroupResponse, error) {
	f.mu.Lock()
	on := f.onJoin
	f.joinReqs = append(f.joinReqs, req)
	f.mu.Unlock()
	if on != nil {
		return on(req)
	}
	return singleMemberJoinResp(req), nil
}

// singleMemberJoinResp elects the requester leader of a one-member group.
func singleMemberJoinResp(req *kmsg.JoinGroupRequest) *kmsg.JoinGroupResponse {
	member := req.MemberID
	if member == "" {
		member = "m-1"
	}
	return &kmsg.JoinGroupResponse{
		Generation: 1,
		Protocol:   kmsg.StringPtr("range"),
		LeaderID:   member,
		MemberID:   member,
		Members: []kmsg.JoinGroupResponseMember{{
			MemberID:       member,
			ProtocolMetadata: basicMetaFor([]string{"t"}),
		}},
	}
}

func (f *fakeConn) SyncGroup(ctx context.Context, req *kmsg.SyncGroupRequest) (*kmsg.SyncGroupResponse, error) {
	f.mu.Lock()
	on := f.onSync
	f.syncReqs = append(f.syncReqs, req)
	f.mu.Unlock()
	if on != nil {
		return on(req)
	}
	// Echo the requester's own assignment when it led the balance,
	// otherwise hand out t/0.
	for _, member := range req.GroupAssignment {
		if member.MemberID == req.MemberID {
			return &kmsg.SyncGroupResponse{MemberAssignment: member.MemberAssignment}, nil
		}
	}
	return &kmsg.SyncGroupResponse{MemberAssignment: assignmentBlob(map[string][]int32{"t": {0}})}, nil
}

func assignmentBlob(topics map[string][]int32) []byte {
	var assignment kmsg.GroupMemberAssignment
	for topic, partitions := range topics {
		assignment.Topics = append(assignment.Topics, kmsg.GroupMemberAssignmentTopic{
			Topic:      topic,
			Partitions: partitions,
		})
	}
	return assignment.AppendTo(nil)
}

func (f *fakeConn) Heartbeat(ctx context.Context, req *kmsg.HeartbeatRequest) (*kmsg.HeartbeatResponse, error) {
	f.mu.Lock()
	on := f.onHeartbeat
	f.heartbeatReqs = append(f.heartbeatReqs, req)
	f.mu.Unlock()
	if on != nil {
		return on(req)
	}
	return &kmsg.HeartbeatResponse{}, nil
}

func (f *fakeConn) OffsetFetch(ctx context.Context, req *kmsg.OffsetFetchRequest) (*kmsg.OffsetFetchResponse, error) {
	f.mu.Lock()
	on := f.onOffsetFetch
	f.offsetFetchReqs = append(f.offsetFetchReqs, req)
	f.mu.Unlock()
	if on != nil {
		return on(req)
	}
	return offsetFetchResp(req, -1), nil
}

// offsetFetchResp answers every requested partition with the same offset.
func offsetFetchResp(req *kmsg.OffsetFetchRequest, offset int64) *kmsg.OffsetFetchResponse {
	resp := new(kmsg.OffsetFetchResponse)
	for _, topic := range req.Topics {
		rt := kmsg.OffsetFetchResponseTopic{Topic: topic.Topic}
		for _, partition := range topic.Partitions {
			rt.Partitions = append(rt.Partitions, kmsg.OffsetFetchResponseTopicPartition{
				Partition: partition,
				Offset:    offset,
			})
		}
		resp.Topics = append(resp.Topics, rt)
	}
	return resp
}

func (f *fakeConn) ListOffsets(ctx context.Context, req *kmsg.ListOffsetsRequest) (*kmsg.ListOffsetsResponse, error) {
	f.mu.Lock()
	on := f.onListOffsets
	f.listOffsetReqs = append(f.listOffsetReqs, req)
	f.mu.Unlock()
	if on != nil {
		return on(req)
	}
	return listOffsetsResp(req, 0), nil
}

func listOffsetsResp(req *kmsg.ListOffsetsRequest, offset int64) *kmsg.ListOffsetsResponse {
	resp := new(kmsg.ListOffsetsResponse)
	for _, topic := range req.Topics {
		rt := kmsg.ListOffsetsResponseTopic{Topic: topic.Topic}
		for _, partition := range topic.Partitions {
			rt.Partitions = append(rt.Partitions, kmsg.ListOffsetsResponseTopicPartition{
				Partition:       partition.Partition,
				OldStyleOffsets: []int64{offset},
			})
		}
		resp.Topics = append(resp.Topics, rt)
	}
	return resp
}

func (f *fakeConn) OffsetCommit(ctx context.Context, req *kmsg.OffsetCommitRequest) (*kmsg.OffsetCommitResponse, error) {
	f.mu.Lock()
	on := f.onCommit
	f.commitReqs = append(f.commitReqs, req)
	f.mu.Unlock()
	if on != nil {
		return on(req)
	}
	resp := new(kmsg.OffsetCommitResponse)
	for _, topic := range req.Topics {
		rt := kmsg.OffsetCommitResponseTopic{Topic: topic.Topic}
		for _, partition := range topic.Partitions {
			rt.Partitions = append(rt.Partitions, kmsg.OffsetCommitResponseTopicPartition{
				Partition: partition.Partition,
			})
		}
		resp.Topics = append(resp.Topics, rt)
	}
	return resp, nil
}

func (f *fakeConn) Fetch(ctx context.Context, req *kmsg.FetchRequest) (*FetchResponse, error) {
	f.mu.Lock()
	on := f.onFetch
	f.fetchReqs = append(f.fetchReqs, req)
	f.mu.Unlock()
	if on != nil {
		return on(req)
	}
	return emptyFetchResp(req, 0), nil
}

func emptyFetchResp(req *kmsg.FetchRequest, hw int64) *FetchResponse {
	resp := new(FetchResponse)
	for _, topic := range req.Topics {
		rt := FetchResponseTopic{Topic: topic.Topic}
		for _, partition := range topic.Partitions {
			rt.Partitions = append(rt.Partitions, FetchResponsePartition{
				Partition:     partition.Partition,
				HighWatermark: hw,
			})
		}
		resp.Topics = append(resp.Topics, rt)
	}
	return resp
}

// fetchRespWith answers a single-partition fetch with the given messages.
func fetchRespWith(topic string, partition int32, hw int64, offsets ...int64) *FetchResponse {
	msgs := make([]Message, len(offsets))
	for i, o := range offsets {
		msgs[i] = Message{Offset: o, Value: []byte("v")}
	}
	return &FetchResponse{Topics: []FetchResponseTopic{{
		Topic: topic,
		Partitions: []FetchResponsePartition{{
			Partition:     partition,
			HighWatermark: hw,
			Messages:      msgs,
		}},
	}}}
}

func errFetchResp(topic string, partition int32, code int16) *FetchResponse {
	return &FetchResponse{Topics: []FetchResponseTopic{{
		Topic: topic,
		Partitions: []FetchResponsePartition{{
			Partition: partition,
			ErrorCode: code,
		}},
	}}}
}

func (f *fakeConn) joinRequests() []*kmsg.JoinGroupRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*kmsg.JoinGroupRequest(nil), f.joinReqs...)
}

func (f *fakeConn) syncRequests() []*kmsg.SyncGroupRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*kmsg.SyncGroupRequest(nil), f.syncReqs...)
}

func (f *fakeConn) heartbeatRequests() []*kmsg.HeartbeatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*kmsg.HeartbeatRequest(nil), f.heartbeatReqs...)
}

func (f *fakeConn) listOffsetRequests() []*kmsg.ListOffsetsRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*kmsg.ListOffsetsRequest(nil), f.listOffsetReqs...)
}

func (f *fakeConn) commitRequests() []*kmsg.OffsetCommitRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*kmsg.OffsetCommitRequest(nil), f.commitReqs...)
}

func (f *fakeConn) fetchRequests() []*kmsg.FetchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*kmsg.FetchRequest(nil), f.fetchReqs...)
}

// testLogger logs through the test, so output interleaves with failures.
type testLogger struct {
	tb testing.TB
}

func (l *testLogger) Level() LogLevel { return LogLevelDebug }
func (l *testLogger) Log(level LogLevel, msg string, keyvals ...interface{}) {
	args := append([]interface{}{"[" + level.String() + "] " + msg}, keyvals...)
	l.tb.Log(args...)
}

// newTestConsumer builds a consumer over conn with timeouts small enough
// for unit tests.
func newTestConsumer(tb testing.TB, conn *fakeConn, opts ...Opt) *Consumer {
	tb.Helper()
	tb.Cleanup(conn.Close)
	base := []Opt{
		WithLogger(&testLogger{tb}),
		SessionTimeout(40 * time.Millisecond),
		HeartbeatFrequency(2),
		FetchIdleWait(5 * time.Millisecond),
		OffsetOutOfRangeWait(time.Millisecond),
	}
	c, err := NewConsumer(conn, "g", []string{"t"}, append(base, opts...)...)
	if err != nil {
		tb.Fatalf("unable to create consumer: %v", err)
	}
	return c
}

// await waits on ch briefly, failing the test on timeout.
func await(tb testing.TB, ch <-chan struct{}, what string) {
	tb.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		tb.Fatalf("timed out waiting for %s", what)
	}
}
