package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/aprfresh/api/internal/platform/firestore"
	"github.com/aprfresh/api/internal/repositories"
)

const countersCollection = "counters"

type counterRecord struct {
	Value     int64     `firestore:"currentValue"`
	Step      int64     `firestore:"step"`
	Max       *int64    `firestore:"maxValue,omitempty"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

// advance computes the next counter value, honouring the configured ceiling.
func (c counterRecord) advance(requested int64, now time.Time) (counterRecord, error) {
	step := requested
	if step <= 0 {
		step = c.Step
	}
	if step <= 0 {
		step = 1
	}
	next := c.Value + step
	if c.Max != nil && next > *c.Max {
		return counterRecord{}, repositories.NewCounterError(
			repositories.CounterErrorExhausted,
			fmt.Sprintf("counter exceeded max value %d", *c.Max), nil)
	}
	c.Value = next
	c.Step = step
	c.UpdatedAt = now
	return c, nil
}

// CounterRepository implements repositories.CounterRepository on top of
// Firestore transactions. Order number allocation depends on it being
// strictly monotonic under concurrent writers.
type CounterRepository struct {
	provider *pfirestore.Provider
	counters *pfirestore.BaseRepository[counterRecord]
	clock    func() time.Time
}

// NewCounterRepository constructs a Firestore-backed counter repository.
func NewCounterRepository(provider *pfirestore.Provider) (*CounterRepository, error) {
	if provider == nil {
		return nil, errors.New("counter repository requires firestore provider")
	}
	return &CounterRepository{
		provider: provider,
		counters: pfirestore.NewBaseRepository[counterRecord](provider, countersCollection, nil, nil),
		clock:    time.Now,
	}, nil
}

func (r *CounterRepository) ready() error {
	if r == nil || r.provider == nil {
		return errors.New("counter repository not initialised")
	}
	return nil
}

func normalizeCounterID(counterID string) (string, error) {
	id := strings.TrimSpace(counterID)
	if id == "" {
		return "", repositories.NewCounterError(repositories.CounterErrorInvalidInput, "counter id is required", nil)
	}
	return id, nil
}

// Next atomically increments the counter identified by counterID and returns
// the new value. When the context already carries a transaction the increment
// joins it, so an order number allocation commits or aborts together with the
// order create.
func (r *CounterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	if err := r.ready(); err != nil {
		return 0, err
	}
	id, err := normalizeCounterID(counterID)
	if err != nil {
		return 0, err
	}
	if step < 0 {
		return 0, repositories.NewCounterError(repositories.CounterErrorInvalidInput, fmt.Sprintf("step must be positive, got %d", step), nil)
	}

	var nextValue int64
	body := func(ctx context.Context, tx *firestore.Transaction) error {
		nextValue, err = r.nextInTx(ctx, tx, id, step)
		return err
	}

	if tx, ok := pfirestore.TransactionFrom(ctx); ok {
		err = body(ctx, tx)
	} else {
		err = r.provider.RunTransaction(ctx, body)
	}
	if err != nil {
		var counterErr *repositories.CounterError
		if errors.As(err, &counterErr) {
			return 0, counterErr
		}
		return 0, pfirestore.WrapError("counters.next", err)
	}
	return nextValue, nil
}

func (r *CounterRepository) nextInTx(ctx context.Context, tx *firestore.Transaction, id string, step int64) (int64, error) {
	ref, err := r.counters.DocumentRef(ctx, id)
	if err != nil {
		return 0, err
	}
	now := r.clock().UTC()

	snapshot, err := tx.Get(ref)
	if status.Code(err) == codes.NotFound {
		// First allocation seeds the document.
		record, aerr := counterRecord{}.advance(step, now)
		if aerr != nil {
			return 0, aerr
		}
		if err := tx.Create(ref, record); err != nil {
			return 0, err
		}
		return record.Value, nil
	}
	if err != nil {
		return 0, err
	}

	var record counterRecord
	if err := snapshot.DataTo(&record); err != nil {
		return 0, fmt.Errorf("firestore counters decode %s: %w", id, err)
	}
	record, err = record.advance(step, now)
	if err != nil {
		return 0, err
	}
	if err := tx.Set(ref, record, firestore.MergeAll); err != nil {
		return 0, err
	}
	return record.Value, nil
}

// Configure updates optional counter settings such as step size, max value,
// or the starting value.
func (r *CounterRepository) Configure(ctx context.Context, counterID string, cfg repositories.CounterConfig) error {
	if err := r.ready(); err != nil {
		return err
	}
	id, err := normalizeCounterID(counterID)
	if err != nil {
		return err
	}

	payload := map[string]any{"updatedAt": r.clock().UTC()}
	if cfg.Step > 0 {
		payload["step"] = cfg.Step
	}
	if cfg.MaxValue != nil {
		payload["maxValue"] = *cfg.MaxValue
	}
	if cfg.InitialValue != nil {
		payload["currentValue"] = *cfg.InitialValue
	}

	ref, err := r.counters.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Set(ctx, payload, firestore.MergeAll); err != nil {
		return pfirestore.WrapError("counters.configure", err)
	}
	return nil
}
