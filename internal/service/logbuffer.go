package service

import (
	"sync"

	"fleetvisor/internal/models"
)

// LogBuffer keeps the most recent worker output lines in memory.
type LogBuffer struct {
	mu         sync.RWMutex
	entries    []models.LogLine
	maxEntries int
}

func NewLogBuffer(maxEntries int) *LogBuffer {
	return &LogBuffer{
		entries:    make([]models.LogLine, 0, maxEntries),
		maxEntries: maxEntries,
	}
}

func (lb *LogBuffer) Add(line models.LogLine) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	lb.entries = append(lb.entries, line)
	if len(lb.entries) > lb.maxEntries {
		// Copy down so the backing array does not grow without bound.
		n := copy(lb.entries, lb.entries[len(lb.entries)-lb.maxEntries:])
		lb.entries = lb.entries[:n]
	}
}

// GetLast returns up to n of the newest lines, oldest first.
func (lb *LogBuffer) GetLast(n int) []models.LogLine {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	if n <= 0 || len(lb.entries) == 0 {
		return []models.LogLine{}
	}

	start := 0
	if len(lb.entries) > n {
		start = len(lb.entries) - n
	}

	result := make([]models.LogLine, len(lb.entries[start:]))
	copy(result, lb.entries[start:])
	return result
}

// GetByWorker returns up to n of the newest lines from one worker, oldest first.
func (lb *LogBuffer) GetByWorker(worker string, n int) []models.LogLine {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	if n <= 0 {
		return []models.LogLine{}
	}

	var picked []models.LogLine
	for i := len(lb.entries) - 1; i >= 0 && len(picked) < n; i-- {
		if lb.entries[i].Worker == worker {
			picked = append(picked, lb.entries[i])
		}
	}

	result := make([]models.LogLine, len(picked))
	for i, line := range picked {
		result[len(picked)-1-i] = line
	}
	return result
}

