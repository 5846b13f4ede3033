package kcg

import (
	"context"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// Generation is a single membership epoch in the consumer group, valid until
// the next rebalance. It owns one closed latch; the heartbeat loop, the
// partition streams, and the commit actions all observe it, and any of them
// can trip it.
type Generation struct {
	ID          int32
	MemberID    string
	LeaderID    string
	Assignments []Assignment

	cl      *Consumer
	ctx     context.Context
	closed  *latch
	streams []*PartitionStream
}

// Partitions returns the generation's per-partition streams, one per
// assignment.
func (g *Generation) Partitions() []*PartitionStream { return g.streams }

// Done returns a channel closed when the generation ends, whether by
// rebalance, error, or connection shutdown.
func (g *Generation) Done() <-chan struct{} { return g.closed.Done() }

func (g *Generation) close(err error) {
	if g.closed.trip(err) {
		g.cl.cfg.logger.Log(LogLevelInfo, "generation closed",
			"group", g.cl.cfg.group,
			"generation", g.ID,
			"member_id", g.MemberID,
			"err", err,
		)
	}
}

// start attaches the generation to ctx and spawns its loops: the connection
// shutdown hook, one fetch loop per assigned partition, and the heartbeat
// loop.
func (g *Generation) start(ctx context.Context) {
	g.ctx = ctx

	go func() {
		select {
		case <-g.cl.conn.Done():
			g.close(ErrClientClosed)
		case <-g.closed.done:
		}
	}()

	g.streams = make([]*PartitionStream, len(g.Assignments))
	for i, a := range g.Assignments {
		s := &PartitionStream{
			Topic:     a.Topic,
			Partition: a.Partition,
			gen:       g,
			offset:    a.Offset,
			ch:        make(chan Fetch),
		}
		g.streams[i] = s
		go s.run()
	}

	go g.heartbeatLoop()

	g.cl.cfg.logger.Log(LogLevelInfo, "new group session begun",
		"group", g.cl.cfg.group,
		"generation", g.ID,
		"member_id", g.MemberID,
		"leader", g.LeaderID == g.MemberID,
		"assigned", len(g.Assignments),
	)
}

// heartbeatLoop issues heartbeats for the duration of the generation. The
// loop is sequential, so at most one heartbeat is ever in flight. The sleep
// between beats is the session timeout divided by the heartbeat frequency
// and is interruptible by the closed latch.
func (g *Generation) heartbeatLoop() {
	interval := g.cl.cfg.heartbeatInterval()
	g.cl.cfg.logger.Log(LogLevelInfo, "beginning heartbeat loop",
		"generation", g.ID,
		"interval", interval,
	)
	for {
		if g.closed.isSet() {
			return
		}
		req := &kmsg.HeartbeatRequest{
			Group:      g.cl.cfg.group,
			Generation: g.ID,
			MemberID:   g.MemberID,
		}
		resp, err := g.cl.conn.Heartbeat(g.ctx, req)
		if err == nil {
			err = kerr.ErrorForCode(resp.ErrorCode)
		}
		g.cl.cfg.logger.Log(LogLevelDebug, "heartbeat complete", "generation", g.ID, "err", err)
		if err != nil {
			g.cl.cfg.logger.Log(LogLevelInfo, "heartbeat errored, closing generation",
				"generation", g.ID,
				"err", err,
			)
			g.close(err)
			return
		}

		timer := time.NewTimer(interval)
		select {
		case <-timer.C:
		case <-g.closed.done:
			timer.Stop()
			return
		case <-g.ctx.Done():
			timer.Stop()
			g.close(g.ctx.Err())
			return
		}
	}
}

// sleep waits d, interruptible by ctx or connection shutdown.
func (c *Consumer) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.conn.Done():
		return ErrClientClosed
	}
}

// join runs the join/sync cycle until it produces a generation or hits a
// fatal error. memberID carries across attempts: it is cleared when the
// broker answers UnknownMemberID, or when offset resolution fails with
// UnknownMemberID or IllegalGeneration (each after sleeping one session
// timeout), and updated to the broker-issued id as soon as a join succeeds. Transport
// failures restart the cycle after a heartbeat-interval wait.
func (c *Consumer) join(ctx context.Context, memberID string) (*Generation, error) {
	for {
		if memberID != "" {
			// Rejoining under a known member id: the prior generation
			// died, possibly with the coordinator. Reestablish broker
			// channels before discovery.
			if err := c.conn.Reconnect(ctx); err != nil {
				c.cfg.logger.Log(LogLevelWarn, "reconnect before rejoin failed", "err", err)
				if serr := c.sleep(ctx, c.cfg.heartbeatInterval()); serr != nil {
					return nil, serr
				}
				continue
			}
		}

		coordinator, err := c.conn.GroupCoordinator(ctx, c.cfg.group)
		if err != nil {
			c.cfg.logger.Log(LogLevelWarn, "coordinator discovery failed", "group", c.cfg.group, "err", err)
			if serr := c.sleep(ctx, c.cfg.heartbeatInterval()); serr != nil {
				return nil, serr
			}
			continue
		}
		c.cfg.logger.Log(LogLevelInfo, "joining group",
			"group", c.cfg.group,
			"coordinator", coordinator.NodeID,
			"member_id", memberID,
		)

		joinReq := &kmsg.JoinGroupRequest{
			Group:                  c.cfg.group,
			SessionTimeoutMillis:   int32(c.cfg.sessionTimeout.Milliseconds()),
			RebalanceTimeoutMillis: int32(c.cfg.sessionTimeout.Milliseconds()),
			ProtocolType:           "consumer",
			MemberID:               memberID,
			Protocols:              c.joinProtocols(),
		}
		joinResp, err := c.conn.JoinGroup(ctx, joinReq)
		if err != nil {
			c.cfg.logger.Log(LogLevelWarn, "join group failed", "err", err)
			if serr := c.sleep(ctx, c.cfg.heartbeatInterval()); serr != nil {
				return nil, serr
			}
			continue
		}
		if err := kerr.ErrorForCode(joinResp.ErrorCode); err != nil {
			if classifyGroupErr(err) == classResetMember {
				c.cfg.logger.Log(LogLevelWarn, "join returned UnknownMemberID, rejoining without a member id", "err", err)
				if serr := c.sleep(ctx, c.cfg.sessionTimeout); serr != nil {
					return nil, serr
				}
				memberID = ""
			} else {
				c.cfg.logger.Log(LogLevelWarn, "join group errored, rejoining", "err", err)
			}
			continue
		}

		memberID = joinResp.MemberID
		protocol := ""
		if joinResp.Protocol != nil {
			protocol = *joinResp.Protocol
		}

		// A non-empty members list means the coordinator elected us
		// leader; balance the group.
		var assignment []kmsg.SyncGroupRequestGroupAssignment
		if len(joinResp.Members) > 0 {
			c.cfg.logger.Log(LogLevelInfo, "joined as leader, balancing group",
				"member_id", memberID,
				"generation", joinResp.Generation,
				"protocol", protocol,
				"members", len(joinResp.Members),
			)
			plan, err := c.balance(ctx, protocol, joinResp.Members)
			if err != nil {
				if classifyGroupErr(err) == classFatal {
					return nil, err
				}
				c.cfg.logger.Log(LogLevelWarn, "balancing failed, rejoining", "err", err)
				if serr := c.sleep(ctx, c.cfg.heartbeatInterval()); serr != nil {
					return nil, serr
				}
				continue
			}
			assignment = plan.intoAssignment()
		} else {
			c.cfg.logger.Log(LogLevelInfo, "joined",
				"member_id", memberID,
				"generation", joinResp.Generation,
			)
		}

		syncReq := &kmsg.SyncGroupRequest{
			Group:           c.cfg.group,
			Generation:      joinResp.Generation,
			MemberID:        memberID,
			GroupAssignment: assignment,
		}
		syncResp, err := c.conn.SyncGroup(ctx, syncReq)
		if err != nil {
			c.cfg.logger.Log(LogLevelWarn, "sync group failed", "err", err)
			if serr := c.sleep(ctx, c.cfg.heartbeatInterval()); serr != nil {
				return nil, serr
			}
			continue
		}
		if err := kerr.ErrorForCode(syncResp.ErrorCode); err != nil {
			if classifyGroupErr(err) == classResetMember {
				c.cfg.logger.Log(LogLevelWarn, "sync returned UnknownMemberID, rejoining without a member id", "err", err)
				if serr := c.sleep(ctx, c.cfg.sessionTimeout); serr != nil {
					return nil, serr
				}
				memberID = ""
			} else {
				c.cfg.logger.Log(LogLevelWarn, "sync group errored, rejoining", "err", err)
			}
			continue
		}

		var kassignment kmsg.GroupMemberAssignment
		if err := kassignment.ReadFrom(syncResp.MemberAssignment); err != nil {
			return nil, fmt.Errorf("%w: unable to read member assignment: %v", ErrInvalidResp, err)
		}
		var pairs []topicPartition
		for _, topic := range kassignment.Topics {
			for _, partition := range topic.Partitions {
				pairs = append(pairs, topicPartition{topic.Topic, partition})
			}
		}
		if len(pairs) == 0 {
			return nil, ErrNoPartitions
		}

		assignments, err := c.resolveOffsets(ctx, pairs)
		if err != nil {
			if classifyGroupErr(err) == classFatal {
				return nil, err
			}
			if err == kerr.UnknownMemberID || err == kerr.IllegalGeneration {
				// The group moved on while we were resolving
				// offsets; restart as a new member.
				c.cfg.logger.Log(LogLevelWarn, "offset resolution aborted by group error, rejoining without a member id", "err", err)
				if serr := c.sleep(ctx, c.cfg.sessionTimeout); serr != nil {
					return nil, serr
				}
				memberID = ""
				continue
			}
			c.cfg.logger.Log(LogLevelWarn, "offset resolution failed, rejoining", "err", err)
			if serr := c.sleep(ctx, c.cfg.heartbeatInterval()); serr != nil {
				return nil, serr
			}
			continue
		}

		return &Generation{
			ID:          joinResp.Generation,
			MemberID:    memberID,
			LeaderID:    joinResp.LeaderID,
			Assignments: assignments,
			cl:          c,
			closed:      newLatch(),
		}, nil
	}
}

// balance parses the joined members, fetches metadata for the configured
// topics, and runs the balancer the coordinator chose. Pairs are built in
// subscription order with partitions in metadata order.
func (c *Consumer) balance(ctx context.Context, protocol string, kmembers []kmsg.JoinGroupResponseMember) (balancePlan, error) {
	members, err := parseGroupMembers(kmembers)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: join response contains no members", ErrInvalidResp)
	}

	var balancer GroupBalancer
	for _, b := range c.cfg.balancers {
		if b.protocolName() == protocol {
			balancer = b
			break
		}
	}
	if balancer == nil {
		return nil, fmt.Errorf("%w: coordinator chose unsupported protocol %q", ErrInvalidResp, protocol)
	}

	partitions, err := c.conn.Metadata(ctx, c.cfg.topics)
	if err != nil {
		return nil, err
	}
	var pairs []topicPartition
	for _, topic := range c.cfg.topics {
		for _, partition := range partitions[topic] {
			pairs = append(pairs, topicPartition{topic, partition})
		}
	}

	plan := balancer.balance(members, pairs)
	c.cfg.logger.Log(LogLevelDebug, "balanced", "plan", plan)
	return plan, nil
}

func (c *Consumer) joinProtocols() []kmsg.JoinGroupRequestProtocol {
	var protos []kmsg.JoinGroupRequestProtocol
	for _, balancer := range c.cfg.balancers {
		protos = append(protos, kmsg.JoinGroupRequestProtocol{
			Name:     balancer.protocolName(),
			Metadata: balancer.metaFor(c.cfg.topics),
		})
	}
	return protos
}
