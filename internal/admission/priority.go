package admission

import (
	"fmt"
	"strings"
)

// Priority orders waiting requests. High jumps ahead of every waiting
// Normal/Low request; Low and Normal share FIFO placement.
type Priority int

const (
	Low Priority = iota - 1
	Normal
	High
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case High:
		return "high"
	default:
		return "normal"
	}
}

// ParsePriority maps "low", "normal" and "high" (case-insensitive).
// An empty string is Normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return Low, nil
	case "", "normal":
		return Normal, nil
	case "high":
		return High, nil
	default:
		return Normal, fmt.Errorf("unknown priority %q (use low, normal or high)", s)
	}
}
