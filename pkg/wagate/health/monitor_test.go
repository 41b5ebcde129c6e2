package health

import (
	"testing"
	"time"
)

func TestNewMonitorDefaults(t *testing.T) {
	m := NewMonitor(Config{}, nil, nil, nil)

	if m.cfg.CheckInterval != 30*time.Second {
		t.Errorf("expected 30s check interval, got %v", m.cfg.CheckInterval)
	}
	if m.cfg.NeverConnectedAfter != 10*time.Minute {
		t.Errorf("expected 10m never-connected threshold, got %v", m.cfg.NeverConnectedAfter)
	}
	if m.cfg.SweepInterval != 5*time.Minute {
		t.Errorf("expected 5m sweep interval, got %v", m.cfg.SweepInterval)
	}
	if m.cfg.RestoreAttempts != 3 {
		t.Errorf("expected 3 restore attempts, got %d", m.cfg.RestoreAttempts)
	}
}

func TestRestoreDelay(t *testing.T) {
	m := NewMonitor(Config{RestoreBackoff: 2 * time.Second}, nil, nil, nil)

	for attempt := 1; attempt <= 3; attempt++ {
		base := m.cfg.RestoreBackoff << (attempt - 1)
		for i := 0; i < 50; i++ {
			d := m.restoreDelay(attempt)
			if d < base || d > base+base/4 {
				t.Fatalf("attempt %d: delay %v outside [%v, %v]", attempt, d, base, base+base/4)
			}
		}
	}
}
