package kcg

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
	"golang.org/x/sync/errgroup"
)

// Assignment is one partition this member owns within a generation, along
// with the offset consuming begins at.
type Assignment struct {
	Topic     string
	Partition int32
	Offset    int64
}

// resolveOffsets resolves the initial fetch offset of every assigned
// partition in parallel. Any single failure aborts the whole resolution;
// the join loop classifies the error.
func (c *Consumer) resolveOffsets(ctx context.Context, pairs []topicPartition) ([]Assignment, error) {
	assignments := make([]Assignment, len(pairs))
	eg, ctx := errgroup.WithContext(ctx)
	for i, pair := range pairs {
		i, pair := i, pair
		eg.Go(func() error {
			offset, err := c.resolveOffset(ctx, pair.topic, pair.partition)
			if err != nil {
				return err
			}
			assignments[i] = Assignment{
				Topic:     pair.topic,
				Partition: pair.partition,
				Offset:    offset,
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return assignments, nil
}

// resolveOffset returns the group's committed offset for the partition,
// falling back to a time-based lookup when the group has none. At most two
// broker requests.
func (c *Consumer) resolveOffset(ctx context.Context, topic string, partition int32) (int64, error) {
	req := &kmsg.OffsetFetchRequest{
		Group: c.cfg.group,
		Topics: []kmsg.OffsetFetchRequestTopic{{
			Topic:      topic,
			Partitions: []int32{partition},
		}},
	}
	resp, err := c.conn.OffsetFetch(ctx, req)
	if err != nil {
		return 0, err
	}
	for _, rt := range resp.Topics {
		if rt.Topic != topic {
			continue
		}
		for _, rp := range rt.Partitions {
			if rp.Partition != partition {
				continue
			}
			if err := kerr.ErrorForCode(rp.ErrorCode); err != nil {
				return 0, err
			}
			if rp.Offset == -1 {
				// Nothing committed for this group yet.
				return c.lookupOffset(ctx, topic, partition, c.cfg.fetchTime)
			}
			return rp.Offset, nil
		}
	}
	return 0, fmt.Errorf("%w: offset fetch response missing %s/%d", ErrInvalidResp, topic, partition)
}

// lookupOffset issues a time-based offset request for a single partition.
func (c *Consumer) lookupOffset(ctx context.Context, topic string, partition int32, t FetchTime) (int64, error) {
	req := &kmsg.ListOffsetsRequest{
		ReplicaID: -1,
		Topics: []kmsg.ListOffsetsRequestTopic{{
			Topic: topic,
			Partitions: []kmsg.ListOffsetsRequestTopicPartition{{
				Partition:     partition,
				Timestamp:     int64(t),
				MaxNumOffsets: 1,
			}},
		}},
	}
	resp, err := c.conn.ListOffsets(ctx, req)
	if err != nil {
		return 0, err
	}
	for _, rt := range resp.Topics {
		if rt.Topic != topic {
			continue
		}
		for _, rp := range rt.Partitions {
			if rp.Partition != partition {
				continue
			}
			if err := kerr.ErrorForCode(rp.ErrorCode); err != nil {
				return 0, err
			}
			if len(rp.OldStyleOffsets) > 0 { // list offsets v0
				return rp.OldStyleOffsets[0], nil
			}
			return rp.Offset, nil
		}
	}
	return 0, fmt.Errorf("%w: list offsets response missing %s/%d", ErrInvalidResp, topic, partition)
}
