package kcg

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Consumer drives a single client through successive memberships in a
// consumer group. It is a value wrapping the generation sequence; no state
// crosses generations except the member id used to seed the next join.
//
// A member that syncs to an empty assignment (more members than partitions)
// surfaces ErrNoPartitions rather than idling; run no more members than
// partitions.
type Consumer struct {
	conn Conn
	cfg  cfg

	mu   sync.Mutex // serializes Next; one generation unfold at a time
	prev *Generation
}

// NewConsumer returns a consumer for the given group and topics over conn.
func NewConsumer(conn Conn, group string, topics []string, opts ...Opt) (*Consumer, error) {
	cfg := defaultCfg()
	cfg.group = group
	cfg.topics = topics
	for _, opt := range opts {
		opt.apply(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Consumer{conn: conn, cfg: cfg}, nil
}

// Next produces the next generation: it waits for the prior generation (if
// any) to close, classifies the close cause, joins the group, and starts
// the new generation's loops. The member id carries over from the prior
// generation unless it was invalidated with UnknownMemberID, in which case
// Next sleeps one session timeout and joins as a new member.
//
// Next returns an error only for fatal causes, context cancellation, or
// connection shutdown (ErrClientClosed); every other failure is absorbed
// into a rejoin.
func (c *Consumer) Next(ctx context.Context) (*Generation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	memberID := ""
	if c.prev != nil {
		select {
		case <-c.prev.closed.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		cause := c.prev.closed.cause()
		memberID = c.prev.MemberID
		switch classifyGroupErr(cause) {
		case classFatal:
			return nil, cause
		case classResetMember:
			c.cfg.logger.Log(LogLevelWarn, "member id invalidated, rejoining as a new member",
				"group", c.cfg.group,
				"member_id", memberID,
			)
			if err := c.sleep(ctx, c.cfg.sessionTimeout); err != nil {
				return nil, err
			}
			memberID = ""
		}
		if errors.Is(cause, ErrClientClosed) || errors.Is(cause, context.Canceled) {
			return nil, cause
		}
	}

	select {
	case <-c.conn.Done():
		return nil, ErrClientClosed
	default:
	}

	g, err := c.join(ctx, memberID)
	if err != nil {
		return nil, err
	}
	g.start(ctx)
	c.prev = g
	return g, nil
}

// Handler consumes one message set from a partition. It decides when to
// invoke commit; committing records the set's starting offset as the
// group's checkpoint for the partition.
type Handler func(ctx context.Context, topic string, partition int32, set MessageSet, commit CommitFunc) error

// Consume runs the generation sequence forever, running each generation's
// partition streams in parallel and invoking handler sequentially within a
// partition. A handler error closes the current generation and is returned.
// Otherwise Consume returns only on fatal errors, context cancellation, or
// connection shutdown.
func (c *Consumer) Consume(ctx context.Context, handler Handler) error {
	for {
		g, err := c.Next(ctx)
		if err != nil {
			return err
		}

		eg, ectx := errgroup.WithContext(ctx)
		for _, s := range g.Partitions() {
			s := s
			eg.Go(func() error {
				for f := range s.Fetches() {
					if err := handler(ectx, s.Topic, s.Partition, f.Set, f.Commit); err != nil {
						g.close(err)
						return err
					}
				}
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return err
		}
	}
}

// ConsumeCommitAfter is Consume with the commit invoked automatically after
// each successful handler call.
func (c *Consumer) ConsumeCommitAfter(ctx context.Context, handler func(ctx context.Context, topic string, partition int32, set MessageSet) error) error {
	return c.Consume(ctx, func(ctx context.Context, topic string, partition int32, set MessageSet, commit CommitFunc) error {
		if err := handler(ctx, topic, partition, set); err != nil {
			return err
		}
		return commit(ctx)
	})
}
