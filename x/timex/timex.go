package timex

import "time"

// NowMs returns Unix milliseconds as int64.
func NowMs() int64 { return time.Now().UnixMilli() }

// RunStamp formats t the way run log files are named (YYYYMMDD_HHMMSS).
func RunStamp(t time.Time) string { return t.Format("20060102_150405") }
