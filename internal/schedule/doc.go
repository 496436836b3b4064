// Package schedule runs the autopost job on a cron or interval schedule.
//
// Only one run is active at a time; ticks that arrive while a run is still
// going are skipped.
package schedule
