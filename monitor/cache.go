package monitor

import (
	"math"
	"time"

	"github.com/tidwall/gjson"

	"rigstatus/store"
)

// Report is one status record as the monitor sees it.
type Report struct {
	Key      string
	Identity string
	Unixtime float64
	Record   *store.Record

	logged bool
}

func newReport(rec *store.Record, unixtime float64) *Report {
	return &Report{
		Key:      rec.Key,
		Identity: rec.Identity,
		Unixtime: unixtime,
		Record:   rec,
	}
}

func (r *Report) Time() time.Time {
	return store.UnixTime(r.Unixtime)
}

// Hashrate10s is the first sample of hashrate.total, or 0 when the report
// has none.
func (r *Report) Hashrate10s() float64 {
	if r.Record == nil || len(r.Record.Status) == 0 {
		return 0
	}
	return gjson.GetBytes(r.Record.Status, "hashrate.total.0").Float()
}

// ReportCache remembers the last report fetched for each key, so an
// unchanged index entry costs no GET and is never logged twice.
type ReportCache struct {
	tolerance float64
	reports   map[string]*Report
}

func NewReportCache(tolerance time.Duration) *ReportCache {
	return &ReportCache{
		tolerance: tolerance.Seconds(),
		reports:   make(map[string]*Report),
	}
}

// Lookup returns the cached report for key if it was written at unixtime.
func (c *ReportCache) Lookup(key string, unixtime float64) (*Report, bool) {
	r, ok := c.reports[key]
	if !ok || math.Abs(r.Unixtime-unixtime) >= c.tolerance {
		return nil, false
	}
	return r, true
}

func (c *ReportCache) Store(r *Report) {
	c.reports[r.Key] = r
}

func (c *ReportCache) Len() int {
	return len(c.reports)
}

// Prune drops reports written before cutoff.
func (c *ReportCache) Prune(cutoff float64) {
	for key, r := range c.reports {
		if r.Unixtime < cutoff {
			delete(c.reports, key)
		}
	}
}
