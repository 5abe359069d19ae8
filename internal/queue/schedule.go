package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ole-vi/prompt-sharing-sub002/internal/db"
	"github.com/ole-vi/prompt-sharing-sub002/internal/stream"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04"
)

// ScheduleRequest picks a wall-clock date and time in an IANA zone
type ScheduleRequest struct {
	IDs            []string `json:"ids"`
	Date           string   `json:"date"`
	Time           string   `json:"time"`
	TimeZone       string   `json:"timeZone,omitempty"`
	RetryOnFailure bool     `json:"retryOnFailure"`
}

// ResolveInstant converts date and clock in zone to an absolute instant.
// A wall time skipped by a DST change resolves the way time.Date does.
func ResolveInstant(date, clock, zone string) (time.Time, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w %q: %v", ErrInvalidTimeZone, zone, err)
	}
	layout := dateLayout + " " + timeLayout
	value := strings.TrimSpace(date) + " " + strings.TrimSpace(clock)
	if strings.Count(clock, ":") == 2 {
		layout += ":05"
	}
	at, err := time.ParseInLocation(layout, value, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	return at, nil
}

// Schedule promotes the selected items to scheduled at the requested
// instant and remembers the zone as the user's preference.
func (s *Service) Schedule(ctx context.Context, userID string, req ScheduleRequest) (time.Time, error) {
	if len(req.IDs) == 0 {
		return time.Time{}, ErrNoItemsSelected
	}

	zone := req.TimeZone
	if zone == "" {
		zone = s.UserTimeZone(ctx, userID)
	}
	at, err := ResolveInstant(req.Date, req.Time, zone)
	if err != nil {
		return time.Time{}, err
	}
	if !at.After(s.now()) {
		return time.Time{}, ErrScheduleInPast
	}

	now := s.now()
	var errs []error
	for _, id := range sortedIDs(req.IDs) {
		err := s.store.UpdateIdleItem(ctx, userID, id, db.Patch{
			db.FieldStatus:            db.ItemStatusScheduled,
			db.FieldScheduledAt:       at,
			db.FieldScheduledTimeZone: zone,
			db.FieldRetryOnFailure:    req.RetryOnFailure,
			db.FieldRetryCount:        0,
			db.FieldUpdatedAt:         now,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("item %s: %w", id, err))
			continue
		}
		s.publish(stream.EventItemChanged, userID, id, db.ItemStatusScheduled)
	}

	if err := s.store.SaveUserTimeZone(ctx, userID, zone); err != nil {
		s.logger.Warn("failed to save time zone preference", "user_id", userID, "error", err)
	}

	if err := errors.Join(errs...); err != nil {
		return at, err
	}
	s.logger.Info("queue items scheduled", "user_id", userID, "count", len(req.IDs), "scheduled_at", at, "time_zone", zone)
	return at, nil
}

// Unschedule returns the selected items to pending
func (s *Service) Unschedule(ctx context.Context, userID string, ids []string) error {
	if len(ids) == 0 {
		return ErrNoItemsSelected
	}
	var errs []error
	for _, id := range sortedIDs(ids) {
		patch := db.Patch{db.FieldUpdatedAt: s.now()}
		addUnschedule(patch)
		if err := s.store.UpdateIdleItem(ctx, userID, id, patch); err != nil {
			errs = append(errs, fmt.Errorf("item %s: %w", id, err))
			continue
		}
		s.publish(stream.EventItemChanged, userID, id, db.ItemStatusPending)
	}
	return errors.Join(errs...)
}

func addUnschedule(patch db.Patch) {
	patch[db.FieldStatus] = db.ItemStatusPending
	patch[db.FieldScheduledAt] = db.Delete
	patch[db.FieldScheduledTimeZone] = db.Delete
	patch[db.FieldActivatedAt] = db.Delete
}

// UserTimeZone returns the user's preferred zone or the configured default
func (s *Service) UserTimeZone(ctx context.Context, userID string) string {
	zone, err := s.store.GetUserTimeZone(ctx, userID)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			s.logger.Warn("failed to load time zone preference", "user_id", userID, "error", err)
		}
		return s.defaults.TimeZone
	}
	return zone
}

// SetUserTimeZone validates and stores the user's preferred zone
func (s *Service) SetUserTimeZone(ctx context.Context, userID, zone string) error {
	if _, err := time.LoadLocation(zone); err != nil || zone == "" {
		return fmt.Errorf("%w %q", ErrInvalidTimeZone, zone)
	}
	return s.store.SaveUserTimeZone(ctx, userID, zone)
}
