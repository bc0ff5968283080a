package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"possettle/backend/internal/lock"
	"possettle/backend/internal/store"
)

const issueDateLayout = "2006-01-02"

// Sequencer issues numbers of the form PREFIX-YYYYMMDD-NNNN. The per-day
// counter lives in the store and is incremented inside the caller's unit of
// work; the day lock serializes the numbering step across processes.
type Sequencer struct {
	prefix string
	digits int
	locker lock.Locker
}

func NewSequencer(prefix string, digits int, locker lock.Locker) *Sequencer {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "INV"
	}
	if digits < 1 {
		digits = 4
	}
	if locker == nil {
		locker = lock.NewLocal()
	}
	return &Sequencer{prefix: prefix, digits: digits, locker: locker}
}

// IssueDate is the UTC calendar date an invoice issued at t belongs to.
func IssueDate(t time.Time) string {
	return t.UTC().Format(issueDateLayout)
}

func (s *Sequencer) Next(ctx context.Context, tx store.Tx, issuedAt time.Time) (string, error) {
	day := IssueDate(issuedAt)
	release, err := s.locker.Lock(ctx, "invoice:"+day)
	if err != nil {
		return "", fmt.Errorf("lock invoice day %s: %w", day, err)
	}
	defer release()

	seq, err := tx.NextInvoiceSeq(ctx, day)
	if err != nil {
		return "", err
	}
	return s.Format(issuedAt, seq), nil
}

func (s *Sequencer) Format(issuedAt time.Time, seq int64) string {
	return fmt.Sprintf("%s-%s-%0*d", s.prefix, issuedAt.UTC().Format("20060102"), s.digits, seq)
}
