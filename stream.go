package kcg

import (
	"context"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// CommitFunc commits the offset of the message set it was returned with,
// marking that set as the consumer's checkpoint for its partition. It may be
// invoked any number of times; after the generation closes it is a no-op.
// The only error it returns is a malformed commit response, which is
// unrecoverable.
type CommitFunc func(ctx context.Context) error

// Fetch pairs one fetched message set with the commit action that
// checkpoints it.
type Fetch struct {
	Set    MessageSet
	Commit CommitFunc
}

// PartitionStream is the lazy sequence of fetches for one assigned
// partition within a generation. The producing loop is owned by the
// generation; consumers drive progress by receiving from Fetches. The
// stream ends when the generation closes and is not restartable; a new
// generation carries new streams.
type PartitionStream struct {
	Topic     string
	Partition int32

	gen    *Generation
	offset int64
	ch     chan Fetch
}

// Fetches returns the stream's channel. It is closed when the generation
// ends.
func (s *PartitionStream) Fetches() <-chan Fetch { return s.ch }

// run is the fetch loop. Message sets are emitted in strictly increasing
// offset order; each emitted set's commit action carries the set's starting
// offset. Every step begins with a single closed check, so an in-flight
// fetch runs to completion before the loop notices a close.
func (s *PartitionStream) run() {
	defer close(s.ch)

	cl := s.gen.cl
	offset := s.offset
	for {
		if s.gen.closed.isSet() {
			return
		}

		req := &kmsg.FetchRequest{
			ReplicaID:     -1,
			MaxWaitMillis: int32(cl.cfg.fetchMaxWait.Milliseconds()),
			MinBytes:      cl.cfg.fetchMinBytes,
			Topics: []kmsg.FetchRequestTopic{{
				Topic: s.Topic,
				Partitions: []kmsg.FetchRequestTopicPartition{{
					Partition:         s.Partition,
					FetchOffset:       offset,
					PartitionMaxBytes: cl.cfg.fetchBufferBytes,
				}},
			}},
		}
		resp, err := cl.conn.Fetch(s.gen.ctx, req)
		if err != nil {
			cl.cfg.logger.Log(LogLevelWarn, "fetch failed, closing generation",
				"topic", s.Topic,
				"partition", s.Partition,
				"err", err,
			)
			s.gen.close(err)
			return
		}

		part, ok := findFetchPartition(resp, s.Topic, s.Partition)
		if !ok {
			s.gen.close(fmt.Errorf("%w: fetch response missing %s/%d", ErrInvalidResp, s.Topic, s.Partition))
			return
		}

		if err := kerr.ErrorForCode(part.ErrorCode); err != nil {
			switch classifyFetchErr(err) {
			case classRetryFetch:
				// The offset fell off the log; recover it with a
				// time lookup and resume. The generation stays
				// open.
				recovered, lerr := cl.lookupOffset(s.gen.ctx, s.Topic, s.Partition, cl.cfg.fetchTime)
				if lerr != nil {
					cl.cfg.logger.Log(LogLevelWarn, "offset recovery failed, closing generation",
						"topic", s.Topic,
						"partition", s.Partition,
						"err", lerr,
					)
					s.gen.close(lerr)
					return
				}
				cl.cfg.logger.Log(LogLevelWarn, "fetch offset out of range, recovered",
					"topic", s.Topic,
					"partition", s.Partition,
					"at", offset,
					"resuming_at", recovered,
				)
				if !s.sleep(cl.cfg.outOfRangeWait) {
					return
				}
				offset = recovered
				continue
			default:
				cl.cfg.logger.Log(LogLevelWarn, "fetch errored, closing generation",
					"topic", s.Topic,
					"partition", s.Partition,
					"err", err,
				)
				s.gen.close(err)
				return
			}
		}

		set := MessageSet{
			Topic:         s.Topic,
			Partition:     s.Partition,
			Messages:      part.Messages,
			HighWatermark: part.HighWatermark,
		}
		if set.Empty() {
			cl.cfg.logger.Log(LogLevelInfo, "reached end of stream",
				"topic", s.Topic,
				"partition", s.Partition,
				"offset", offset,
			)
			if !s.sleep(cl.cfg.fetchIdleWait) {
				return
			}
			continue
		}

		next := set.NextOffset()
		select {
		case s.ch <- Fetch{Set: set, Commit: s.gen.commitAt(s.Topic, s.Partition, offset)}:
		case <-s.gen.closed.done:
			return
		}
		offset = next
	}
}

// sleep waits d, reporting false if the generation closed first.
func (s *PartitionStream) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.gen.closed.done:
		return false
	case <-s.gen.ctx.Done():
		s.gen.close(s.gen.ctx.Err())
		return false
	}
}

func findFetchPartition(resp *FetchResponse, topic string, partition int32) (FetchResponsePartition, bool) {
	for _, rt := range resp.Topics {
		if rt.Topic != topic {
			continue
		}
		for _, rp := range rt.Partitions {
			if rp.Partition == partition {
				return rp, true
			}
		}
	}
	return FetchResponsePartition{}, false
}

// commitAt returns the commit action for one (topic, partition, offset),
// bound to this generation's id and member id.
func (g *Generation) commitAt(topic string, partition int32, offset int64) CommitFunc {
	return func(ctx context.Context) error {
		if g.closed.isSet() {
			return nil
		}
		req := &kmsg.OffsetCommitRequest{
			Group:               g.cl.cfg.group,
			Generation:          g.ID,
			MemberID:            g.MemberID,
			RetentionTimeMillis: g.cl.cfg.offsetRetentionMillis,
			Topics: []kmsg.OffsetCommitRequestTopic{{
				Topic: topic,
				Partitions: []kmsg.OffsetCommitRequestTopicPartition{{
					Partition: partition,
					Offset:    offset,
					Metadata:  kmsg.StringPtr(""),
				}},
			}},
		}
		resp, err := g.cl.conn.OffsetCommit(ctx, req)
		if err != nil {
			g.cl.cfg.logger.Log(LogLevelWarn, "offset commit failed, closing generation",
				"topic", topic,
				"partition", partition,
				"err", err,
			)
			g.close(err)
			return nil
		}
		if len(resp.Topics) == 0 {
			return fmt.Errorf("%w: offset commit response contains no topics", ErrInvalidResp)
		}
		for _, rt := range resp.Topics {
			for _, rp := range rt.Partitions {
				if err := kerr.ErrorForCode(rp.ErrorCode); err != nil {
					g.cl.cfg.logger.Log(LogLevelWarn, "offset commit errored, closing generation",
						"topic", rt.Topic,
						"partition", rp.Partition,
						"offset", offset,
						"err", err,
					)
					g.close(err)
					return nil
				}
			}
		}
		g.cl.cfg.logger.Log(LogLevelDebug, "offsets committed",
			"topic", topic,
			"partition", partition,
			"offset", offset,
		)
		return nil
	}
}
