package store

import (
	"fmt"

	"github.com/cockroachdb/pebble"
)

// Key namespaces. Timeline keys embed a zero-padded millisecond timestamp so
// lexicographic iteration is timestamp order.
const (
	msgPrefix     = "msg/"
	convPrefix    = "conv/"
	tombPrefix    = "tomb/"
	originPrefix  = "origin/"
	checkpointKey = "checkpoint/sync"
)

func messageKey(id string) []byte {
	return []byte(msgPrefix + id)
}

func conversationKey(id string) []byte {
	return []byte(convPrefix + id)
}

func tombstoneKey(id string) []byte {
	return []byte(tombPrefix + id)
}

func originKey(eventID string) []byte {
	return []byte(originPrefix + eventID)
}

func timelinePrefix(convID string) string {
	return "cmsg/" + convID + "/"
}

func timelineKey(convID string, ts int64, msgID string) []byte {
	return []byte(timelinePrefix(convID) + padTimestamp(ts) + "/" + msgID)
}

func padTimestamp(ts int64) string {
	if ts < 0 {
		ts = 0
	}
	return fmt.Sprintf("%020d", ts)
}

func prefixBounds(prefix string) *pebble.IterOptions {
	return &pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: []byte(prefix + "\xff"),
	}
}
