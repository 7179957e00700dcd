package util

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

func NewJobID() string {
	// ULID is sortable (nice for DB indexes and dashboards)
	t := time.Now().UTC()
	return "job_" + ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

func NewCampaignID() string {
	t := time.Now().UTC()
	return "camp_" + ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

func NormalizePhone(p string) string {
	// keep it simple for MVP
	return strings.ReplaceAll(strings.TrimSpace(p), " ", "")
}

func NowUTC() time.Time {
	return time.Now().UTC()
}
