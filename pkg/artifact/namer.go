package artifact

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// TimestampLayout is the sortable UTC timestamp embedded in artifact names.
const TimestampLayout = "20060102T150405Z"

// Granularity is the resolution of name timestamps. Captures that fall into
// the same window are disambiguated by the counter.
const Granularity = time.Second

const counterWidth = 6

// Namer produces artifact names of the form
//
//	<job_id>_<YYYYMMDDTHHMMSSZ>_<counter><ext>
//
// Names sort lexically in creation order within a job. Namer is safe for
// concurrent use.
type Namer struct {
	mu   sync.Mutex
	last map[string]namerSlot
}

type namerSlot struct {
	at      time.Time
	counter int
}

func NewNamer() *Namer {
	return &Namer{last: make(map[string]namerSlot)}
}

// Name returns the next name for jobID at ts.
//
// Repeated calls for the same job within one granularity window return
// increasing counters. A timestamp earlier than the last issued window is
// clamped to that window so names never go backwards.
func (n *Namer) Name(jobID string, ts time.Time, ext string) string {
	at := ts.UTC().Truncate(Granularity)

	n.mu.Lock()
	slot, ok := n.last[jobID]
	switch {
	case !ok || at.After(slot.at):
		slot = namerSlot{at: at}
	default:
		slot.counter++
	}
	n.last[jobID] = slot
	n.mu.Unlock()

	return FormatName(jobID, slot.at, slot.counter, ext)
}

// FormatName renders a name without consulting namer state.
func FormatName(jobID string, at time.Time, counter int, ext string) string {
	return fmt.Sprintf("%s_%s_%0*d%s", jobID, at.UTC().Format(TimestampLayout), counterWidth, counter, ext)
}

// ParsedName is the decoded form of an artifact name.
type ParsedName struct {
	JobID     string
	Timestamp time.Time
	Counter   int
	Ext       string
}

// ParseName decodes a name produced by Namer.
func ParseName(name string) (ParsedName, error) {
	parts := strings.SplitN(name, "_", 3)
	if len(parts) != 3 {
		return ParsedName{}, fmt.Errorf("invalid artifact name %q", name)
	}

	ts, err := time.Parse(TimestampLayout, parts[1])
	if err != nil {
		return ParsedName{}, fmt.Errorf("invalid artifact name %q: %w", name, err)
	}

	rest := parts[2]
	if len(rest) < counterWidth {
		return ParsedName{}, fmt.Errorf("invalid artifact name %q: short counter", name)
	}
	counter, err := strconv.Atoi(rest[:counterWidth])
	if err != nil {
		return ParsedName{}, fmt.Errorf("invalid artifact name %q: %w", name, err)
	}

	return ParsedName{
		JobID:     parts[0],
		Timestamp: ts.UTC(),
		Counter:   counter,
		Ext:       rest[counterWidth:],
	}, nil
}
