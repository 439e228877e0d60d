package services

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/store"
	"github.com/kimhsiao/fieldsync/internal/uuid"
)

// ShiftPusher sends the full shift state to the server.
type ShiftPusher interface {
	PushShift(ctx context.Context, shift *models.CachedShift) error
}

// Shift actions accepted by Apply.
const (
	ActionClockIn    = "clock-in"
	ActionStartBreak = "start-break"
	ActionEndBreak   = "end-break"
	ActionClockOut   = "clock-out"
)

// ShiftRequest carries the optional inputs of a shift action.
type ShiftRequest struct {
	VehicleID string `json:"vehicle_id,omitempty"`
	Odometer  *int   `json:"odometer,omitempty"`
	BreakType string `json:"break_type,omitempty"`
}

// ShiftService runs the shift clock state machine:
// CLOCKED_OUT -> CLOCKED_IN <-> ON_BREAK -> CLOCKED_OUT.
type ShiftService struct {
	store   store.Store
	pusher  ShiftPusher
	network Connectivity
	now     Clock
}

// NewShiftService creates a ShiftService.
func NewShiftService(s store.Store, pusher ShiftPusher, network Connectivity, now Clock) *ShiftService {
	if now == nil {
		now = time.Now
	}
	return &ShiftService{store: s, pusher: pusher, network: network, now: now}
}

// Current returns today's latest shift, or nil.
func (s *ShiftService) Current(ctx context.Context) (*models.CachedShift, error) {
	return s.store.GetShiftByDate(ctx, today(s.now))
}

// Apply dispatches a named action.
func (s *ShiftService) Apply(ctx context.Context, action string, req ShiftRequest) (*models.CachedShift, error) {
	switch action {
	case ActionClockIn:
		return s.ClockIn(ctx, req.VehicleID, req.Odometer)
	case ActionStartBreak:
		return s.StartBreak(ctx, req.BreakType)
	case ActionEndBreak:
		return s.EndBreak(ctx)
	case ActionClockOut:
		return s.ClockOut(ctx, req.Odometer)
	}
	return nil, errors.New(errors.ErrInvalid, fmt.Sprintf("unknown shift action %q", action))
}

// ClockIn starts a new shift. A day may hold several shifts, but only one open.
func (s *ShiftService) ClockIn(ctx context.Context, vehicleID string, odometer *int) (*models.CachedShift, error) {
	current, err := s.Current(ctx)
	if err != nil {
		return nil, err
	}
	if current != nil && current.Status != models.ShiftClockedOut {
		return nil, invalidTransition(current.Status, ActionClockIn)
	}

	now := s.now().UnixMilli()
	shift := &models.CachedShift{
		ID:            uuid.New(),
		ShiftDate:     today(s.now),
		Status:        models.ShiftClockedIn,
		ClockIn:       &now,
		VehicleID:     vehicleID,
		StartOdometer: odometer,
		Breaks:        []models.Break{},
	}
	return s.commit(ctx, shift)
}

// StartBreak opens a break of breakType (REST when empty).
func (s *ShiftService) StartBreak(ctx context.Context, breakType string) (*models.CachedShift, error) {
	if breakType == "" {
		breakType = models.BreakRest
	}
	if breakType != models.BreakRest && breakType != models.BreakMeal {
		return nil, errors.New(errors.ErrInvalid, fmt.Sprintf("invalid break type %q", breakType))
	}

	shift, err := s.requireStatus(ctx, ActionStartBreak, models.ShiftClockedIn)
	if err != nil {
		return nil, err
	}
	shift.Breaks = append(shift.Breaks, models.Break{Start: s.now().UnixMilli(), Type: breakType})
	shift.Status = models.ShiftOnBreak
	return s.commit(ctx, shift)
}

// EndBreak closes the open break.
func (s *ShiftService) EndBreak(ctx context.Context) (*models.CachedShift, error) {
	shift, err := s.requireStatus(ctx, ActionEndBreak, models.ShiftOnBreak)
	if err != nil {
		return nil, err
	}
	s.closeBreak(shift)
	shift.Status = models.ShiftClockedIn
	return s.commit(ctx, shift)
}

// ClockOut ends the shift, closing an open break first.
func (s *ShiftService) ClockOut(ctx context.Context, odometer *int) (*models.CachedShift, error) {
	shift, err := s.requireStatus(ctx, ActionClockOut, models.ShiftClockedIn, models.ShiftOnBreak)
	if err != nil {
		return nil, err
	}
	if odometer != nil && shift.StartOdometer != nil && *odometer < *shift.StartOdometer {
		return nil, errors.New(errors.ErrInvalid, "end odometer is below start odometer")
	}
	s.closeBreak(shift)
	now := s.now().UnixMilli()
	shift.ClockOut = &now
	shift.EndOdometer = odometer
	shift.Status = models.ShiftClockedOut
	return s.commit(ctx, shift)
}

// SyncPending pushes every shift with unsynced local changes.
func (s *ShiftService) SyncPending(ctx context.Context) (int, error) {
	pending, err := s.store.GetUnsyncedShifts(ctx)
	if err != nil {
		return 0, err
	}

	synced := 0
	var errs []error
	for _, shift := range pending {
		if err := ctx.Err(); err != nil {
			return synced, err
		}
		if err := s.push(ctx, shift); err != nil {
			errs = append(errs, fmt.Errorf("shift %s: %w", shift.ID, err))
			continue
		}
		synced++
	}
	return synced, stderrors.Join(errs...)
}

func (s *ShiftService) requireStatus(ctx context.Context, action string, allowed ...models.ShiftStatus) (*models.CachedShift, error) {
	shift, err := s.Current(ctx)
	if err != nil {
		return nil, err
	}
	if shift == nil {
		return nil, invalidTransition(models.ShiftClockedOut, action)
	}
	for _, st := range allowed {
		if shift.Status == st {
			return shift, nil
		}
	}
	return nil, invalidTransition(shift.Status, action)
}

func (s *ShiftService) closeBreak(shift *models.CachedShift) {
	if i := shift.OpenBreak(); i >= 0 {
		end := s.now().UnixMilli()
		shift.Breaks[i].End = &end
	}
}

// commit saves shift as unsynced and pushes it when online.
func (s *ShiftService) commit(ctx context.Context, shift *models.CachedShift) (*models.CachedShift, error) {
	shift.Synced = false
	if err := s.store.SaveShift(ctx, shift); err != nil {
		return nil, err
	}

	logging.Info("Shift updated", map[string]interface{}{
		"shift_id": shift.ID,
		"status":   string(shift.Status),
	})

	if s.network.IsOnline() {
		if err := s.push(ctx, shift); err != nil {
			logging.Warn("Shift push failed, kept pending", map[string]interface{}{
				"shift_id": shift.ID,
				"error":    err.Error(),
			})
		}
	}
	return shift, nil
}

func (s *ShiftService) push(ctx context.Context, shift *models.CachedShift) error {
	if err := uuid.Validate("shift id", shift.ID); err != nil {
		return err
	}
	if err := s.pusher.PushShift(ctx, shift); err != nil {
		return err
	}
	shift.Synced = true
	return s.store.SaveShift(ctx, shift)
}

func invalidTransition(from models.ShiftStatus, action string) error {
	return errors.New(errors.ErrInvalidTransition, fmt.Sprintf("cannot %s while %s", action, from))
}
