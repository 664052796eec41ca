package market

import (
	"maas-sim/pkg/types"
)

// notificationLog is the per-provider message log behind the store's
// publish-subscribe surface. Each provider has an append-only entry slice
// and a delivery cursor; fetching returns everything past the cursor and
// advances it. Nothing here is durable: restarts lose undelivered messages,
// and re-reads with an older since value may re-deliver (at-least-once).
//
// All access happens under the store mutex.
type notificationLog struct {
	entries map[string][]types.Notification
	cursors map[string]int
}

func newNotificationLog() *notificationLog {
	return &notificationLog{
		entries: make(map[string][]types.Notification),
		cursors: make(map[string]int),
	}
}

func (l *notificationLog) append(providerID string, note types.Notification) {
	l.entries[providerID] = append(l.entries[providerID], note)
}

// fetch returns undelivered notifications created at or after since, and
// marks them delivered.
func (l *notificationLog) fetch(providerID string, since int64) []types.Notification {
	entries := l.entries[providerID]
	cursor := l.cursors[providerID]

	out := make([]types.Notification, 0)
	for _, note := range entries[cursor:] {
		if note.CreatedTick >= since {
			out = append(out, note)
		}
	}
	l.cursors[providerID] = len(entries)
	return out
}

// notifyProvidersLocked appends a notification to every registered provider
// except the originator. Caller holds the write lock.
func (s *Store) notifyProvidersLocked(exceptProviderID string, note types.Notification) {
	for id, a := range s.agents {
		if a.Role != types.RoleProvider || id == exceptProviderID {
			continue
		}
		s.notes.append(id, note)
	}
}

// NotifyProviders appends a notification to each listed provider's log.
// Unknown or non-provider ids are skipped.
func (s *Store) NotifyProviders(providerIDs []string, note types.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	note.CreatedTick = s.now
	for _, id := range providerIDs {
		if a, ok := s.agents[id]; ok && a.Role == types.RoleProvider {
			s.notes.append(id, note)
		}
	}
}

// ListProviderNotifications returns the provider's undelivered notifications
// created at or after since, marking them delivered.
func (s *Store) ListProviderNotifications(providerID string, since int64) ([]types.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.agents[providerID]; !ok || a.Role != types.RoleProvider {
		return nil, types.E(types.KindNotFound, "provider %s is not registered", providerID)
	}
	return s.notes.fetch(providerID, since), nil
}
