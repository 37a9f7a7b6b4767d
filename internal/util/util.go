package util

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID returns a prefixed ULID, e.g. "cmp_01J...". ULIDs sort by creation time.
func NewID(prefix string) string {
	id := ulid.MustNew(ulid.Timestamp(time.Now().UTC()), rand.Reader).String()
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

func NewCampaignID() string { return NewID("cmp") }

func NewRecordID() string { return NewID("cr") }

func NowUTC() time.Time {
	return time.Now().UTC()
}
