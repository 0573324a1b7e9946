package health

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Pinger is implemented by persistence backends.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PersistenceCheck probes the persistence backend. It is critical because
// persistent list mutations fail while the backend is down.
func PersistenceCheck(backend string, p Pinger) *HealthCheck {
	return &HealthCheck{
		Name:     "persistence_" + backend,
		Interval: 15 * time.Second,
		Timeout:  5 * time.Second,
		Critical: true,
		Check:    p.Ping,
	}
}

// SiblingStateSource reports sibling connection states keyed by sibling address.
type SiblingStateSource interface {
	SiblingStates() map[string]string
}

// ReplicationCheck degrades when any TCP sibling is stuck backing off. UDP
// siblings are always reported connected.
func ReplicationCheck(src SiblingStateSource) *HealthCheck {
	return &HealthCheck{
		Name:     "replication",
		Interval: 10 * time.Second,
		Timeout:  time.Second,
		Check: func(ctx context.Context) error {
			var down []string
			for addr, state := range src.SiblingStates() {
				if state == "backoff" {
					down = append(down, addr)
				}
			}
			if len(down) > 0 {
				return fmt.Errorf("siblings backing off: %s", strings.Join(down, ", "))
			}
			return nil
		},
	}
}
