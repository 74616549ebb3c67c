package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"k8s.io/klog/v2"

	"github.com/elevated-systems/delivery-estimator/pkg/deliveryestimator/dataset"
	"github.com/elevated-systems/delivery-estimator/pkg/deliveryestimator/features"
)

func main() {
	var (
		driver string
		path   string
		count  int
		seed   int64
	)

	flag.StringVar(&driver, "driver", dataset.DriverSQLite, "Output format: 'sqlite' or 'csv'")
	flag.StringVar(&path, "path", "orders.db", "Output file")
	flag.IntVar(&count, "n", 5000, "Number of orders to generate")
	flag.Int64Var(&seed, "seed", 42, "Random seed")

	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	if count <= 0 {
		klog.ErrorS(nil, "Order count must be positive", "n", count)
		os.Exit(1)
	}

	records := dataset.Synthetic(count, seed, dataset.DefaultSyntheticOptions())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := write(ctx, driver, path, records); err != nil {
		klog.ErrorS(err, "Failed to write orders", "driver", driver, "path", path)
		os.Exit(1)
	}
	klog.InfoS("Wrote synthetic orders", "driver", driver, "path", path, "orders", count, "seed", seed)
}

func write(ctx context.Context, driver, path string, records []features.RawOrderRecord) error {
	switch driver {
	case dataset.DriverSQLite:
		db, err := dataset.NewSQLiteSource(path)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.Store(ctx, records); err != nil {
			return err
		}
		total, err := db.Count(ctx)
		if err != nil {
			return err
		}
		klog.V(2).InfoS("Database now holds orders", "path", path, "orders", total)
		return nil
	case dataset.DriverCSV:
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create %s: %v", path, err)
		}
		if err := dataset.WriteCSV(f, records); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	default:
		return fmt.Errorf("unknown driver %q", driver)
	}
}
