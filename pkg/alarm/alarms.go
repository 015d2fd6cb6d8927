package alarm

import "sync"

// ActiveAlarms holds the faults seen since the last successful poll.
type ActiveAlarms struct {
	activeAlarms []string
	sync.RWMutex
}

// Add adds string to alarm list and returns true if it was added. returns false if it already exists.
func (a *ActiveAlarms) Add(alarm string) bool {
	a.Lock()
	defer a.Unlock()
	for _, activeAlarm := range a.activeAlarms {
		if activeAlarm == alarm {
			return false
		}
	}

	a.activeAlarms = append(a.activeAlarms, alarm)
	return true
}

// Clear removes all alarms and returns true if there were any.
func (a *ActiveAlarms) Clear() bool {
	hasActive := false
	a.Lock()
	if len(a.activeAlarms) > 0 {
		hasActive = true
		a.activeAlarms = nil
	}
	a.Unlock()
	return hasActive
}

func (a *ActiveAlarms) List() []string {
	a.RLock()
	defer a.RUnlock()
	l := make([]string, len(a.activeAlarms))
	copy(l, a.activeAlarms)
	return l
}
