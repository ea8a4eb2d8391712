// Package alerts emits structured alerts when the reputation core sees
// concentrated abuse. Alerts are broadcast to connected dashboards via
// a callback into the websocket hub and kept in a bounded in-memory
// history for the admin API.
package alerts

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/charmander/iptooled/internal/reputation"
)

// DefaultSpamThreshold is the spam count at which an accepted spam
// observation raises a spam_burst alert.
const DefaultSpamThreshold = 10

const maxHistory = 1000

// Alert is a structured notification about one reputation event.
type Alert struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Severity    string    `json:"severity"` // info/medium/high/critical
	AlertType   string    `json:"alertType"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Address     string    `json:"address"`
	PrefixBits  int       `json:"prefixBits"`
	SpamCount   uint32    `json:"spamCount"`
}

// Manager gates, stores, and fans out alerts.
type Manager struct {
	mu        sync.Mutex
	threshold uint32
	recent    []Alert
	broadcast func(Alert)
}

// NewManager creates a manager raising spam_burst alerts at threshold
// spam observations on a prefix. broadcast may be nil.
func NewManager(threshold uint32, broadcast func(Alert)) *Manager {
	if threshold == 0 {
		threshold = DefaultSpamThreshold
	}
	return &Manager{
		threshold: threshold,
		broadcast: broadcast,
	}
}

// SpamObserved reports an accepted spam observation together with the
// aggregated counts at the deepest recorded prefix of the address.
// Raises an alert once the count reaches the threshold.
func (m *Manager) SpamObserved(address reputation.Address, counts reputation.TrieResult) {
	if counts.SpamCount < m.threshold {
		return
	}

	severity := "medium"
	switch {
	case counts.SpamCount >= 10*m.threshold:
		severity = "critical"
	case counts.SpamCount >= 4*m.threshold:
		severity = "high"
	}

	m.emit(Alert{
		ID:          uuid.NewString(),
		Timestamp:   time.Now(),
		Severity:    severity,
		AlertType:   "spam_burst",
		Title:       fmt.Sprintf("Spam burst around %s", address),
		Description: fmt.Sprintf("%d spam observations within the /%d neighbourhood of %s", counts.SpamCount, counts.PrefixBits, address),
		Address:     address.String(),
		PrefixBits:  counts.PrefixBits,
		SpamCount:   counts.SpamCount,
	})
}

func (m *Manager) emit(alert Alert) {
	m.mu.Lock()
	m.recent = append(m.recent, alert)
	if len(m.recent) > maxHistory {
		m.recent = m.recent[len(m.recent)-maxHistory:]
	}
	broadcast := m.broadcast
	m.mu.Unlock()

	log.Printf("[AlertManager] %s: %s", alert.Severity, alert.Title)

	if broadcast != nil {
		broadcast(alert)
	}
}

// Recent returns up to limit alerts, newest last.
func (m *Manager) Recent(limit int) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := 0
	if limit > 0 && len(m.recent) > limit {
		start = len(m.recent) - limit
	}

	out := make([]Alert, len(m.recent)-start)
	copy(out, m.recent[start:])
	return out
}
