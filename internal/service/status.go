package service

import (
	"time"

	"fleetvisor/internal/models"
)

// Fleet assessments reported by Status.
const (
	AssessmentOperational = "operational"
	AssessmentDegraded    = "degraded"
	AssessmentDown        = "down"
)

// Status summarizes the fleet: every instance is counted as running or
// stopped, and the assessment is operational when all run, down when none
// do, degraded otherwise.
func (s *Supervisor) Status() models.HealthReport {
	workers := s.ListWorkers()
	report := models.HealthReport{
		GeneratedAt: time.Now(),
		Total:       len(workers),
		Workers:     workers,
	}

	for _, w := range workers {
		if w.State == models.StateRunning {
			report.Running++
		} else {
			report.Stopped++
		}
	}

	report.Assessment = assess(report.Running, report.Total)
	return report
}

func assess(running, total int) string {
	switch {
	case total == 0 || running == 0:
		return AssessmentDown
	case running == total:
		return AssessmentOperational
	default:
		return AssessmentDegraded
	}
}
