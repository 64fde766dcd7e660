package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/warrantyfunnel/api/internal/domain"
	pstorage "github.com/warrantyfunnel/api/internal/platform/storage"
	"github.com/warrantyfunnel/api/internal/repositories"
)

type fakeObjectSource struct {
	objects map[string][]byte
	err     error
	reads   []string
}

func (f *fakeObjectSource) ReadObject(_ context.Context, object string) (pstorage.Object, error) {
	f.reads = append(f.reads, object)
	if f.err != nil {
		return pstorage.Object{}, f.err
	}
	data, ok := f.objects[object]
	if !ok {
		return pstorage.Object{}, pstorage.ErrObjectNotFound
	}
	return pstorage.Object{Name: object, Data: data, Generation: 7}, nil
}

const goldMatrix = `{
  "planId": "gold",
  "category": "car",
  "periods": {
    "monthly": {
      "0": {"unit": "monthly", "price": 38},
      "100": {"unit": "monthly", "price": "34.50", "save": 42}
    },
    "24": {
      "100": {"unit": "total", "total": 780}
    }
  }
}`

func newTestRepository(t *testing.T, source *fakeObjectSource, now *time.Time) *RateMatrixRepository {
	t.Helper()
	repo, err := NewRateMatrixRepository(source, RateMatrixRepositoryOptions{
		CacheTTL: time.Minute,
		Clock: func() time.Time {
			return *now
		},
	})
	if err != nil {
		t.Fatalf("new repository: %v", err)
	}
	return repo
}

func TestFetchMatrixDecodesValidDocument(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	source := &fakeObjectSource{objects: map[string][]byte{"rate-matrices/car/gold.json": []byte(goldMatrix)}}
	repo := newTestRepository(t, source, &now)

	matrix, err := repo.FetchMatrix(context.Background(), "Gold", "")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	cell, ok := matrix.Cell(domain.PaymentPeriod12, 100)
	if !ok {
		t.Fatalf("expected monthly/100 cell")
	}
	if cell.Unit != domain.CellUnitMonthly || !cell.Value.Equal(decimal.RequireFromString("34.50")) {
		t.Fatalf("unexpected cell %+v", cell)
	}
	if _, ok := matrix.Cell(domain.PaymentPeriod24, 100); !ok {
		t.Fatalf("expected 24/100 cell")
	}
	if matrix.Version != "gen-7" {
		t.Fatalf("expected generation version, got %q", matrix.Version)
	}
}

func TestFetchMatrixCachesWithinTTL(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	source := &fakeObjectSource{objects: map[string][]byte{"rate-matrices/ev/gold.json": []byte(goldMatrix)}}
	repo := newTestRepository(t, source, &now)

	for i := 0; i < 3; i++ {
		if _, err := repo.FetchMatrix(context.Background(), "gold", domain.VehicleCategoryEV); err != nil {
			t.Fatalf("fetch %d: %v", i, err)
		}
	}
	if len(source.reads) != 1 {
		t.Fatalf("expected one read within ttl, got %d", len(source.reads))
	}

	now = now.Add(2 * time.Minute)
	if _, err := repo.FetchMatrix(context.Background(), "gold", domain.VehicleCategoryEV); err != nil {
		t.Fatalf("fetch after ttl: %v", err)
	}
	if len(source.reads) != 2 {
		t.Fatalf("expected refetch after ttl, got %d reads", len(source.reads))
	}
}

func TestFetchMatrixMissingIsNotFound(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	repo := newTestRepository(t, &fakeObjectSource{}, &now)

	_, err := repo.FetchMatrix(context.Background(), "silver", domain.VehicleCategoryCar)
	var repoErr repositories.RepositoryError
	if !errors.As(err, &repoErr) || !repoErr.IsNotFound() {
		t.Fatalf("expected not found repository error, got %v", err)
	}
}

func TestFetchMatrixRejectsInvalidDocument(t *testing.T) {
	cases := map[string]string{
		"bad period key":      `{"planId":"gold","periods":{"48":{"0":{"price":10}}}}`,
		"cell without amount": `{"planId":"gold","periods":{"monthly":{"0":{"unit":"monthly"}}}}`,
		"bad unit":            `{"planId":"gold","periods":{"monthly":{"0":{"unit":"weekly","price":10}}}}`,
		"not json":            `{"planId":`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
			source := &fakeObjectSource{objects: map[string][]byte{"rate-matrices/car/gold.json": []byte(body)}}
			repo := newTestRepository(t, source, &now)

			_, err := repo.FetchMatrix(context.Background(), "gold", domain.VehicleCategoryCar)
			var repoErr repositories.RepositoryError
			if !errors.As(err, &repoErr) {
				t.Fatalf("expected repository error, got %v", err)
			}
			if repoErr.IsNotFound() || repoErr.IsUnavailable() {
				t.Fatalf("invalid documents must be reported as invalid, got %v", err)
			}
		})
	}
}

func TestFetchMatrixDoesNotCacheOutages(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	source := &fakeObjectSource{err: errors.New("dial tcp: timeout")}
	repo := newTestRepository(t, source, &now)

	for i := 0; i < 2; i++ {
		_, err := repo.FetchMatrix(context.Background(), "gold", domain.VehicleCategoryCar)
		var repoErr repositories.RepositoryError
		if !errors.As(err, &repoErr) || !repoErr.IsUnavailable() {
			t.Fatalf("expected unavailable error, got %v", err)
		}
	}
	if len(source.reads) != 2 {
		t.Fatalf("expected outages to be retried, got %d reads", len(source.reads))
	}
}
