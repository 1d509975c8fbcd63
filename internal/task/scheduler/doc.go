// Package scheduler runs named housekeeping jobs on cron schedules.
//
// Jobs never overlap with themselves: a trigger that fires while the
// previous run is still going is skipped. Every run is bounded by the
// job's timeout and recorded in a small history ring.
package scheduler
