package utils

import (
	"math"
	"time"
)

const bytesPerGB = 1024 * 1024 * 1024

// GBToBytes converts a whole-gigabyte quota into the byte count the panel stores.
func GBToBytes(gb int) int64 {
	return int64(gb) * bytesPerGB
}

// BytesToGB converts a byte counter into gigabytes rounded to two decimals.
func BytesToGB(b int64) float64 {
	return math.Round(float64(b)/bytesPerGB*100) / 100
}

// UnixMilli returns t as the millisecond timestamp the panel uses for expiry.
func UnixMilli(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

// FromUnixMilli is the inverse of UnixMilli. Zero means "never expires" on the
// panel and maps to the zero time.
func FromUnixMilli(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
