package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"possettle/backend/internal/domain"
	"possettle/backend/internal/events"
	"possettle/backend/internal/store"
)

func (s *Service) StartShift(ctx context.Context, operatorID string, openingBalanceMinor int64) (shift *domain.Shift, err error) {
	ctx, span := s.startSpan(ctx, "StartShift", attribute.String("operator.id", operatorID))
	defer func() { endSpan(span, err) }()

	err = s.runTx(ctx, "start shift", func(ctx context.Context, tx store.Tx) error {
		started, err := s.shifts.Start(ctx, tx, operatorID, openingBalanceMinor)
		if err != nil {
			return err
		}
		if err := tx.InsertAuditLog(ctx, s.auditEntry(ctx, started.OperatorID, "shift.start", "shift", started.ID,
			fmt.Sprintf("opening=%d", started.OpeningBalanceMinor))); err != nil {
			return err
		}
		shift = started
		return nil
	})
	if err != nil {
		return nil, err
	}
	return shift, nil
}

// CloseShift seals the shift with the counted cash. Only the shift's own
// operator may close it unless they hold shift.read_all.
func (s *Service) CloseShift(ctx context.Context, shiftID string, operatorID string, countedCashMinor int64, notes string) (shift *domain.Shift, err error) {
	ctx, span := s.startSpan(ctx, "CloseShift", attribute.String("shift.id", shiftID))
	defer func() { endSpan(span, err) }()

	// The authorizer reads the store, so it is consulted before the unit of work.
	owner, err := s.GetShift(ctx, shiftID)
	if err != nil {
		return nil, err
	}
	if operatorID != "" && owner.OperatorID != operatorID {
		if err := s.require(ctx, operatorID, domain.CapabilityReadAllShifts); err != nil {
			return nil, err
		}
	}

	err = s.runTx(ctx, "close shift", func(ctx context.Context, tx store.Tx) error {
		current, err := tx.GetShift(ctx, shiftID)
		if errors.Is(err, store.ErrNotFound) {
			return &domain.ShiftNotFoundError{ShiftID: shiftID}
		}
		if err != nil {
			return err
		}
		if current.OperatorID != owner.OperatorID {
			return &domain.ForbiddenError{OperatorID: operatorID, Capability: domain.CapabilityReadAllShifts}
		}

		closed, err := s.shifts.Close(ctx, tx, shiftID, countedCashMinor, notes)
		if err != nil {
			return err
		}
		if err := tx.InsertAuditLog(ctx, s.auditEntry(ctx, closed.OperatorID, "shift.close", "shift", closed.ID,
			fmt.Sprintf("expected=%d counted=%d discrepancy=%d", *closed.ExpectedCashMinor, *closed.ClosingBalanceMinor, *closed.DiscrepancyMinor))); err != nil {
			return err
		}
		shift = closed
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.shifts.Add(ctx, 1)
	s.publish(ctx, events.Event{Kind: events.ShiftClosed, Shift: shift})
	return shift, nil
}

// CloseOpenShift closes whichever shift operatorID currently has open.
func (s *Service) CloseOpenShift(ctx context.Context, operatorID string, countedCashMinor int64, notes string) (*domain.Shift, error) {
	open, err := s.GetOpenShift(ctx, operatorID)
	if err != nil {
		return nil, err
	}
	if open == nil {
		return nil, &domain.NoActiveShiftError{OperatorID: operatorID}
	}
	return s.CloseShift(ctx, open.ID, operatorID, countedCashMinor, notes)
}

// GetOpenShift returns nil without error when the operator has no open shift.
func (s *Service) GetOpenShift(ctx context.Context, operatorID string) (*domain.Shift, error) {
	return s.shifts.OpenShift(ctx, s.store, strings.TrimSpace(operatorID))
}

func (s *Service) GetShift(ctx context.Context, shiftID string) (*domain.Shift, error) {
	shift, err := s.store.GetShift(ctx, shiftID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &domain.ShiftNotFoundError{ShiftID: shiftID}
	}
	return shift, err
}

// ListShifts returns shift history. Operators without shift.read_all only
// see their own shifts whatever the filter asks for.
func (s *Service) ListShifts(ctx context.Context, operatorID string, filter store.ShiftFilter) ([]domain.Shift, error) {
	ok, err := s.authz.Can(ctx, operatorID, domain.CapabilityReadAllShifts)
	if err != nil {
		return nil, err
	}
	if !ok {
		filter.OperatorID = operatorID
	}
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return s.store.ListShifts(ctx, filter)
}
