package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/ipsix/tailwatch/internal/alerting"
)

const alertsBucket = "alerts"

// AlertStore journals delivered alerts. Keys lead with a fixed-width
// timestamp so iteration order is chronological.
type AlertStore struct {
	store Store
}

func NewAlertStore(store Store) *AlertStore {
	return &AlertStore{store: store}
}

func (a *AlertStore) Save(alert alerting.Alert) error {
	raw, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	return a.store.Put(alertsBucket, alertKey(alert.Timestamp, alert.ID), raw)
}

// List returns alerts at or after since (zero for all), oldest first. A
// positive limit keeps only the newest limit entries.
func (a *AlertStore) List(since time.Time, limit int) ([]alerting.Alert, error) {
	from := ""
	if !since.IsZero() {
		from = timePrefix(since)
	}
	alerts := []alerting.Alert{}
	err := a.store.ForEach(alertsBucket, from, func(_, value []byte) error {
		var alert alerting.Alert
		if err := json.Unmarshal(value, &alert); err != nil {
			return fmt.Errorf("decode alert: %w", err)
		}
		alerts = append(alerts, alert)
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return []alerting.Alert{}, nil
		}
		return nil, err
	}
	if limit > 0 && len(alerts) > limit {
		alerts = alerts[len(alerts)-limit:]
	}
	return alerts, nil
}

// PruneOlderThan deletes alerts stamped before cutoff and reports how many.
func (a *AlertStore) PruneOlderThan(cutoff time.Time) (int, error) {
	limit := timePrefix(cutoff)
	var stale []string
	err := a.store.ForEach(alertsBucket, "", func(key, _ []byte) error {
		if string(key) >= limit {
			return errStopIteration
		}
		stale = append(stale, string(key))
		return nil
	})
	if err != nil && !errors.Is(err, errStopIteration) {
		return 0, err
	}
	for i, key := range stale {
		if err := a.store.Delete(alertsBucket, key); err != nil {
			return i, err
		}
	}
	return len(stale), nil
}

var errStopIteration = errors.New("stop iteration")

func timePrefix(t time.Time) string {
	return fmt.Sprintf("%020d", t.UTC().UnixNano())
}

func alertKey(t time.Time, id string) string {
	return timePrefix(t) + "-" + id
}
