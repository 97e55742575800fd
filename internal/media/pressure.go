package media

import (
	"context"
	"errors"
	"math"
	"os"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

var ErrMalformedPressureStats = errors.New("malformed pressure stats")

const (
	// psiPath is the kernel pressure stall file for memory.
	psiPath = "/proc/pressure/memory"
	// psiAvg10Threshold is the avg10 stall percentage treated as pressure.
	psiAvg10Threshold = 10.0
	// heapLimitPercent is the share of GOMEMLIMIT treated as pressure
	// when PSI stats are unavailable.
	heapLimitPercent = 90
)

// Monitor watches host memory pressure and releases the media cache
// when the host reports sustained pressure.
type Monitor struct {
	cache    *Cache
	logger   *zap.Logger
	interval time.Duration

	// pressured is swapped out in tests.
	pressured func() (bool, error)
}

// NewMonitor creates a new Monitor over the given cache.
func NewMonitor(cache *Cache, interval time.Duration, logger *zap.Logger) *Monitor {
	return &Monitor{
		cache:     cache,
		logger:    logger.Named("media_pressure"),
		interval:  interval,
		pressured: underPressure,
	}
}

// Run polls for memory pressure until the context is canceled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check()
		}
	}
}

// check releases the cache once when pressure is reported.
func (m *Monitor) check() {
	pressured, err := m.pressured()
	if err != nil {
		m.logger.Debug("Failed to read memory pressure", zap.Error(err))
		return
	}

	if !pressured {
		return
	}

	released := m.cache.ReleaseAll()
	if released > 0 {
		m.logger.Warn("Memory pressure detected, released media cache",
			zap.Int64("released_bytes", released))
	}
}

// underPressure reports whether the host is under memory pressure.
// It reads kernel PSI stats and falls back to heap use against
// GOMEMLIMIT where PSI is unavailable.
func underPressure() (bool, error) {
	if avg10, err := readPSIAvg10(psiPath); err == nil {
		return avg10 >= psiAvg10Threshold, nil
	}

	limit := debug.SetMemoryLimit(-1)
	if limit <= 0 || limit == math.MaxInt64 {
		return false, nil
	}

	var stats runtime.MemStats

	runtime.ReadMemStats(&stats)

	return stats.HeapInuse >= uint64(limit)/100*heapLimitPercent, nil
}

// readPSIAvg10 reads the "some" avg10 percentage from a PSI stats file.
func readPSIAvg10(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	return parsePSIAvg10(string(data))
}

// parsePSIAvg10 extracts the "some" avg10 value from PSI file contents.
func parsePSIAvg10(contents string) (float64, error) {
	for line := range strings.Lines(contents) {
		if !strings.HasPrefix(line, "some ") {
			continue
		}

		for _, field := range strings.Fields(line) {
			value, ok := strings.CutPrefix(field, "avg10=")
			if !ok {
				continue
			}

			avg10, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return 0, ErrMalformedPressureStats
			}

			return avg10, nil
		}
	}

	return 0, ErrMalformedPressureStats
}
