package dataset

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/elevated-systems/delivery-estimator/pkg/deliveryestimator/features"
)

// TimestampLayout is the timestamp format used in order exports.
const TimestampLayout = "2006-01-02 15:04:05"

// Columns is the header of a flattened order export.
var Columns = []string{
	"order_id",
	"order_purchase_timestamp",
	"order_approved_at",
	"customer_lat",
	"customer_lng",
	"seller_lat",
	"seller_lng",
	"product_weight_g",
	"product_length_cm",
	"product_width_cm",
	"product_height_cm",
	"freight_value",
	"delivery_days",
}

// CSVSource reads a flattened order export (one row per order, joined with
// customer and seller geolocation).
type CSVSource struct {
	path string
}

// NewCSVSource returns a source that reads path on every Load.
func NewCSVSource(path string) *CSVSource {
	return &CSVSource{path: path}
}

// Load parses the export. Rows that cannot be parsed are skipped and logged.
func (s *CSVSource) Load(ctx context.Context) ([]features.RawOrderRecord, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open order export: %w", err)
	}
	defer f.Close()

	return ReadCSV(ctx, f)
}

func (s *CSVSource) Close() error {
	return nil
}

// ReadCSV parses an order export from r.
func ReadCSV(ctx context.Context, r io.Reader) ([]features.RawOrderRecord, error) {
	reader := csv.NewReader(r)
	reader.ReuseRecord = true
	// Ragged rows are skipped below instead of failing the whole read.
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.TrimSpace(name)] = i
	}
	for _, col := range Columns {
		if _, ok := index[col]; !ok {
			return nil, fmt.Errorf("order export is missing column %q", col)
		}
	}

	var records []features.RawOrderRecord
	skipped := 0
	for line := 2; ; line++ {
		if line%10000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read line %d: %w", line, err)
		}

		if len(row) < len(header) {
			skipped++
			klog.V(3).InfoS("Skipping truncated order row", "line", line, "fields", len(row), "want", len(header))
			continue
		}
		record, err := parseRow(row, index)
		if err != nil {
			skipped++
			klog.V(3).InfoS("Skipping malformed order row", "line", line, "error", err)
			continue
		}
		records = append(records, record)
	}

	klog.V(2).InfoS("Read order export", "records", len(records), "skipped", skipped)
	return records, nil
}

func parseRow(row []string, index map[string]int) (features.RawOrderRecord, error) {
	get := func(col string) string {
		return strings.TrimSpace(row[index[col]])
	}
	var r features.RawOrderRecord
	var err error

	r.OrderID = get("order_id")
	if r.PurchasedAt, err = parseTime(get("order_purchase_timestamp")); err != nil {
		return r, fmt.Errorf("order_purchase_timestamp: %w", err)
	}
	if r.PaymentApprovedAt, err = parseTime(get("order_approved_at")); err != nil {
		return r, fmt.Errorf("order_approved_at: %w", err)
	}

	floatsByColumn := []struct {
		col      string
		dst      *float64
		optional bool
	}{
		{"customer_lat", &r.Customer.Lat, false},
		{"customer_lng", &r.Customer.Lng, false},
		{"seller_lat", &r.Seller.Lat, false},
		{"seller_lng", &r.Seller.Lng, false},
		{"product_weight_g", &r.WeightG, false},
		{"product_length_cm", &r.LengthCm, true},
		{"product_width_cm", &r.WidthCm, true},
		{"product_height_cm", &r.HeightCm, true},
		{"freight_value", &r.FreightValue, false},
	}
	for _, c := range floatsByColumn {
		raw := get(c.col)
		if raw == "" {
			if c.optional {
				continue
			}
			return r, fmt.Errorf("%s is empty", c.col)
		}
		if *c.dst, err = strconv.ParseFloat(raw, 64); err != nil {
			return r, fmt.Errorf("%s: %w", c.col, err)
		}
	}

	if raw := get("delivery_days"); raw != "" {
		d, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return r, fmt.Errorf("delivery_days: %w", err)
		}
		r.DeliveryDays = &d
	}
	return r, nil
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.ParseInLocation(TimestampLayout, raw, time.UTC)
}

// WriteCSV writes records in the export format read by ReadCSV.
func WriteCSV(w io.Writer, records []features.RawOrderRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return err
	}
	formatFloat := func(v float64) string {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	formatTime := func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.UTC().Format(TimestampLayout)
	}
	for _, r := range records {
		delivery := ""
		if r.DeliveryDays != nil {
			delivery = formatFloat(*r.DeliveryDays)
		}
		row := []string{
			r.OrderID,
			formatTime(r.PurchasedAt),
			formatTime(r.PaymentApprovedAt),
			formatFloat(r.Customer.Lat),
			formatFloat(r.Customer.Lng),
			formatFloat(r.Seller.Lat),
			formatFloat(r.Seller.Lng),
			formatFloat(r.WeightG),
			formatFloat(r.LengthCm),
			formatFloat(r.WidthCm),
			formatFloat(r.HeightCm),
			formatFloat(r.FreightValue),
			delivery,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
