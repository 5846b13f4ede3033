package kcg

import (
	"fmt"

	"github.com/twmb/franz-go/pkg/kmsg"
)

// GroupBalancer balances topic partitions among group members. Balancing
// only runs on the member elected leader; every member advertises the
// protocols it supports when joining and the coordinator picks the first
// protocol all members agree on.
type GroupBalancer interface {
	// protocolName returns the name of the protocol, e.g. range,
	// roundrobin.
	protocolName() string

	// metaFor returns the member metadata to advertise in JoinGroup for
	// the given topic interests.
	metaFor(interests []string) []byte

	// balance divides the topic partition pairs among members. Members
	// arrive in join-response order; pairs arrive in metadata order.
	balance(members []groupMember, pairs []topicPartition) balancePlan
}

// topicPartition is one assignable unit.
type topicPartition struct {
	topic     string
	partition int32
}

// groupMember is a member id and the topics that member is interested in.
type groupMember struct {
	id     string
	topics []string
}

// balancePlan is the result of balancing topic partitions among members.
//
// member id => topic => partitions
type balancePlan map[string]map[string][]int32

func newBalancePlan(members []groupMember) balancePlan {
	plan := make(balancePlan, len(members))
	for _, member := range members {
		plan[member.id] = make(map[string][]int32)
	}
	return plan
}

func (plan balancePlan) addPartition(member, topic string, partition int32) {
	memberPlan := plan[member]
	memberPlan[topic] = append(memberPlan[topic], partition)
}

// intoAssignment translates a balance plan to the kmsg equivalent type.
// Every member appears, even those assigned nothing, so that the group
// syncs deterministically when there are more members than partitions.
func (plan balancePlan) intoAssignment() []kmsg.SyncGroupRequestGroupAssignment {
	kassignments := make([]kmsg.SyncGroupRequestGroupAssignment, 0, len(plan))
	for member, assignment := range plan {
		var kassignment kmsg.GroupMemberAssignment
		for topic, partitions := range assignment {
			kassignment.Topics = append(kassignment.Topics, kmsg.GroupMemberAssignmentTopic{
				Topic:      topic,
				Partitions: partitions,
			})
		}
		kassignments = append(kassignments, kmsg.SyncGroupRequestGroupAssignment{
			MemberID:         member,
			MemberAssignment: kassignment.AppendTo(nil),
		})
	}
	return kassignments
}

// parseGroupMembers takes the raw data in from a join group response and
// returns the parsed group members, preserving response order.
func parseGroupMembers(kmembers []kmsg.JoinGroupResponseMember) ([]groupMember, error) {
	members := make([]groupMember, 0, len(kmembers))
	for _, kmember := range kmembers {
		var meta kmsg.GroupMemberMetadata
		if err := meta.ReadFrom(kmember.ProtocolMetadata); err != nil {
			return nil, fmt.Errorf("%w: unable to read member metadata: %v", ErrInvalidResp, err)
		}
		members = append(members, groupMember{
			id:     kmember.MemberID,
			topics: meta.Topics,
		})
	}
	return members, nil
}

func basicMetaFor(interests []string) []byte {
	return (&kmsg.GroupMemberMetadata{
		Version: 0,
		Topics:  interests,
	}).AppendTo(nil)
}

// RangeByIndexBalancer returns the default group balancer. It flattens the
// topic partition list in metadata order and splits it into contiguous
// chunks of ceil(partitions/members) pairs, one per member in join-response
// order; the trailing members get what is left, which may be fewer pairs or
// none.
//
// With members [m1, m2, m3] and seven partitions of topic t, the balancing
// will be
//
//	m1: [t0, t1, t2]
//	m2: [t3, t4, t5]
//	m3: [t6]
func RangeByIndexBalancer() GroupBalancer {
	return new(rangeByIndexBalancer)
}

type rangeByIndexBalancer struct{}

func (*rangeByIndexBalancer) protocolName() string { return "range" }

func (*rangeByIndexBalancer) metaFor(interests []string) []byte {
	return basicMetaFor(interests)
}

func (*rangeByIndexBalancer) balance(members []groupMember, pairs []topicPartition) balancePlan {
	plan := newBalancePlan(members)
	size := (len(pairs) + len(members) - 1) / len(members)
	for i, member := range members {
		start, end := i*size, (i+1)*size
		if start > len(pairs) {
			start = len(pairs)
		}
		if end > len(pairs) {
			end = len(pairs)
		}
		for _, pair := range pairs[start:end] {
			plan.addPartition(member.id, pair.topic, pair.partition)
		}
	}
	return plan
}

// RoundRobinBalancer returns a group balancer that deals the flattened
// topic partition list to members one at a time.
//
// With members [m1, m2] and partitions [t0, t1, t2], the balancing will be
//
//	m1: [t0, t2]
//	m2: [t1]
//
// TODO: balance per topic like the Java roundrobin assignor once member
// subscriptions can differ within a group.
func RoundRobinBalancer() GroupBalancer {
	return new(roundRobinBalancer)
}

type roundRobinBalancer struct{}

func (*roundRobinBalancer) protocolName() string { return "roundrobin" }

func (*roundRobinBalancer) metaFor(interests []string) []byte {
	return basicMetaFor(interests)
}

func (*roundRobinBalancer) balance(members []groupMember, pairs []topicPartition) balancePlan {
	plan := newBalancePlan(members)
	for i, pair := range pairs {
		plan.addPartition(members[i%len(members)].id, pair.topic, pair.partition)
	}
	return plan
}
