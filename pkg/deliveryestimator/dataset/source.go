package dataset

import (
	"context"
	"fmt"

	"github.com/elevated-systems/delivery-estimator/pkg/deliveryestimator/features"
)

// Source provides the historical orders a model is trained on
type Source interface {
	Load(ctx context.Context) ([]features.RawOrderRecord, error)
	Close() error
}

// Sink persists historical orders
type Sink interface {
	Store(ctx context.Context, records []features.RawOrderRecord) error
	Close() error
}

// Driver names accepted by Open.
const (
	DriverSQLite = "sqlite"
	DriverCSV    = "csv"
)

// Open returns the Source for the given driver.
func Open(driver, path string) (Source, error) {
	switch driver {
	case DriverSQLite:
		return NewSQLiteSource(path)
	case DriverCSV:
		return NewCSVSource(path), nil
	default:
		return nil, fmt.Errorf("unknown dataset driver %q", driver)
	}
}

// StaticSource serves a fixed set of records from memory.
type StaticSource struct {
	Records []features.RawOrderRecord
}

func (s *StaticSource) Load(ctx context.Context) ([]features.RawOrderRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]features.RawOrderRecord, len(s.Records))
	copy(out, s.Records)
	return out, nil
}

func (s *StaticSource) Close() error {
	return nil
}
