// Package timeutil formats timestamps for waflowctl tables: absolute local
// time for record columns, relative age for activity columns.
package timeutil

import (
	"fmt"
	"time"
)

const localFormat = "2006-01-02 15:04:05 MST"

// Local renders t in the operator's local timezone.
func Local(t time.Time) string {
	return t.Local().Format(localFormat)
}

// Ago renders how long ago t was, coarsened to the largest useful unit.
// Operators triaging sessions care about "47m ago", not seconds.
func Ago(t time.Time) string {
	d := time.Since(t)
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours())/24)
	}
}
