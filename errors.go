package kcg

import (
	"errors"

	"github.com/twmb/franz-go/pkg/kerr"
)

var (
	// ErrClientClosed is the close cause when the underlying connection
	// shut down; the generation sequence ends with it.
	ErrClientClosed = errors.New("client closed")

	// ErrNoPartitions is returned when a sync assigns this member zero
	// partitions. See the Consumer documentation for when this can
	// happen.
	ErrNoPartitions = errors.New("group assignment contains no partitions")

	// ErrInvalidResp is returned when a broker response is missing data
	// it is required to contain. This is unrecoverable.
	ErrInvalidResp = errors.New("invalid response")
)

// errClass buckets broker and transport errors by how the generation
// machinery must react to them.
type errClass int8

const (
	classOK errClass = iota
	// classRejoin closes the generation and rejoins with the current
	// member id.
	classRejoin
	// classResetMember closes the generation, sleeps one session timeout,
	// and rejoins with an empty member id.
	classResetMember
	// classRetryFetch recovers the fetch offset via a time lookup and
	// reissues the fetch; the generation stays open.
	classRetryFetch
	// classClosePartition closes the generation so the rejoin picks up
	// fresh metadata.
	classClosePartition
	// classFatal surfaces to the caller and terminates the consumer.
	classFatal
)

// classifyGroupErr classifies an error from a group-protocol response
// (join, sync, heartbeat, offset fetch, offset commit). Transport errors
// and any group-protocol error not singled out fall into the rejoin class.
func classifyGroupErr(err error) errClass {
	switch {
	case err == nil:
		return classOK
	case errors.Is(err, ErrInvalidResp), errors.Is(err, ErrNoPartitions):
		return classFatal
	case err == kerr.UnknownMemberID:
		return classResetMember
	}
	return classRejoin
}

// classifyFetchErr classifies a fetch partition error.
func classifyFetchErr(err error) errClass {
	switch err {
	case nil:
		return classOK
	case kerr.OffsetOutOfRange:
		return classRetryFetch
	case kerr.UnknownTopicOrPartition, kerr.NotLeaderForPartition:
		return classClosePartition
	}
	return classClosePartition
}
