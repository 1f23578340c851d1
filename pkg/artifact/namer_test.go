package artifact

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNamer_Format(t *testing.T) {
	n := NewNamer()
	ts := time.Date(2026, 1, 19, 12, 30, 45, 123456789, time.UTC)

	got := n.Name("db-main", ts, ".db")
	assert.Equal(t, "db-main_20260119T123045Z_000000.db", got)
}

func TestNamer_SameWindowGetsCounter(t *testing.T) {
	n := NewNamer()
	ts := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)

	first := n.Name("job", ts, ".bin")
	second := n.Name("job", ts.Add(200*time.Millisecond), ".bin")
	third := n.Name("job", ts.Add(time.Second), ".bin")

	assert.Equal(t, "job_20260119T120000Z_000000.bin", first)
	assert.Equal(t, "job_20260119T120000Z_000001.bin", second)
	assert.Equal(t, "job_20260119T120001Z_000000.bin", third)
}

func TestNamer_ClockGoingBackwardsStillIncreases(t *testing.T) {
	n := NewNamer()
	ts := time.Date(2026, 1, 19, 12, 0, 10, 0, time.UTC)

	a := n.Name("job", ts, "")
	b := n.Name("job", ts.Add(-5*time.Second), "")
	assert.Less(t, a, b)
}

func TestNamer_JobsAreIndependent(t *testing.T) {
	n := NewNamer()
	ts := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, "a_20260119T120000Z_000000", n.Name("a", ts, ""))
	assert.Equal(t, "b_20260119T120000Z_000000", n.Name("b", ts, ""))
}

func TestNamer_ConcurrentCallsAreUnique(t *testing.T) {
	n := NewNamer()
	ts := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)

	const workers = 16
	const perWorker = 50

	var mu sync.Mutex
	seen := make(map[string]struct{})
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				name := n.Name("job", ts, ".bin")
				mu.Lock()
				seen[name] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker)
}

func TestNamer_LexicalOrderIsChronological(t *testing.T) {
	n := NewNamer()
	base := time.Date(2026, 1, 19, 23, 59, 58, 0, time.UTC)

	var names []string
	for i := 0; i < 5; i++ {
		names = append(names, n.Name("job", base.Add(time.Duration(i)*700*time.Millisecond), ".tar.gz"))
	}

	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	assert.Equal(t, names, sorted)
}

func TestParseName(t *testing.T) {
	parsed, err := ParseName("db-main_20260119T123045Z_000007.tar.gz")
	require.NoError(t, err)

	assert.Equal(t, "db-main", parsed.JobID)
	assert.Equal(t, time.Date(2026, 1, 19, 12, 30, 45, 0, time.UTC), parsed.Timestamp)
	assert.Equal(t, 7, parsed.Counter)
	assert.Equal(t, ".tar.gz", parsed.Ext)
}

func TestParseName_Invalid(t *testing.T) {
	tests := []string{
		"",
		"nounderscores.db",
		"job_notatime_000000.db",
		"job_20260119T123045Z_12.db",
		"job_20260119T123045Z_abcdef.db",
	}
	for _, name := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseName(name)
			assert.Error(t, err)
		})
	}
}

func TestValidateJobID(t *testing.T) {
	assert.NoError(t, ValidateJobID("photos"))
	assert.NoError(t, ValidateJobID("db.main-2"))
	assert.Error(t, ValidateJobID(""))
	assert.Error(t, ValidateJobID("has_underscore"))
	assert.Error(t, ValidateJobID("../escape"))
	assert.Error(t, ValidateJobID("-leading"))
}

func TestArtifact_HashHexAndExt(t *testing.T) {
	a := Artifact{Name: "job_20260119T120000Z_000000.tar.gz", ContentHash: "sha256:abcd"}
	assert.Equal(t, "abcd", a.HashHex())
	assert.Equal(t, ".tar.gz", a.Ext())
}
