package dataset

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elevated-systems/delivery-estimator/pkg/deliveryestimator/features"
)

func assertSameRecords(t *testing.T, want, got []features.RawOrderRecord) {
	t.Helper()
	require.Len(t, got, len(want))
	byID := make(map[string]features.RawOrderRecord, len(got))
	for _, r := range got {
		byID[r.OrderID] = r
	}
	for _, w := range want {
		g, ok := byID[w.OrderID]
		require.True(t, ok, "missing order %s", w.OrderID)
		assert.True(t, w.PurchasedAt.Equal(g.PurchasedAt), "purchase time of %s", w.OrderID)
		assert.True(t, w.PaymentApprovedAt.Equal(g.PaymentApprovedAt), "approval time of %s", w.OrderID)
		assert.Equal(t, w.Customer, g.Customer)
		assert.Equal(t, w.Seller, g.Seller)
		assert.Equal(t, w.WeightG, g.WeightG)
		assert.Equal(t, []float64{w.LengthCm, w.WidthCm, w.HeightCm}, []float64{g.LengthCm, g.WidthCm, g.HeightCm})
		assert.Equal(t, w.FreightValue, g.FreightValue)
		assert.Equal(t, w.DeliveryDays, g.DeliveryDays)
	}
}

func TestSyntheticDeterministic(t *testing.T) {
	a := Synthetic(200, 3, DefaultSyntheticOptions())
	b := Synthetic(200, 3, DefaultSyntheticOptions())
	assert.Equal(t, a, b)

	c := Synthetic(200, 4, DefaultSyntheticOptions())
	assert.NotEqual(t, a[0].Customer, c[0].Customer)
}

func TestSyntheticInjectsDefects(t *testing.T) {
	opts := SyntheticOptions{NegativeLagRate: 0.1, MissingDimensionRate: 0.1, UndeliveredRate: 0.1}
	records := Synthetic(2000, 1, opts)

	var negativeLag, missingDims, undelivered int
	for _, r := range records {
		if r.PaymentApprovedAt.Before(r.PurchasedAt) {
			negativeLag++
		}
		if r.HeightCm == 0 {
			missingDims++
		}
		if r.DeliveryDays == nil {
			undelivered++
		} else {
			assert.GreaterOrEqual(t, *r.DeliveryDays, 1.0)
		}
		_, _, err := features.FromRecord(r)
		assert.NoError(t, err)
	}
	assert.InDelta(t, 200, negativeLag, 60)
	assert.InDelta(t, 200, missingDims, 60)
	assert.InDelta(t, 200, undelivered, 60)
}

func TestSQLiteSourceRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "orders.db")

	src, err := NewSQLiteSource(path)
	require.NoError(t, err)
	defer src.Close()

	records := Synthetic(50, 8, DefaultSyntheticOptions())
	require.NoError(t, src.Store(ctx, records))

	// Upserts do not duplicate
	require.NoError(t, src.Store(ctx, records[:10]))
	n, err := src.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 50, n)

	loaded, err := src.Load(ctx)
	require.NoError(t, err)
	assertSameRecords(t, records, loaded)

	for i := 1; i < len(loaded); i++ {
		assert.False(t, loaded[i].PurchasedAt.Before(loaded[i-1].PurchasedAt))
	}
}

func TestCSVRoundTrip(t *testing.T) {
	records := Synthetic(40, 5, DefaultSyntheticOptions())
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, records))

	loaded, err := ReadCSV(context.Background(), &buf)
	require.NoError(t, err)
	assertSameRecords(t, records, loaded)
}

func TestReadCSVSkipsMalformedRows(t *testing.T) {
	input := strings.Join([]string{
		strings.Join(Columns, ","),
		"a,2017-10-02 10:56:33,2017-10-02 11:07:15,-23.57,-46.58,-23.68,-46.45,500,19,8,13,8.72,8.4",
		"b,not-a-date,2017-10-02 11:07:15,-23.57,-46.58,-23.68,-46.45,500,19,8,13,8.72,8.4",
		"t,2017-10-02 10:56:33,2017-10-02 11:07:15,-23.57,-46.58",
		"c,2018-07-24 20:41:37,,-12.17,-44.99,-19.81,-43.98,400,,,,22.76,",
		"d,2018-07-24 20:41:37,2018-07-26 03:24:27,,-44.99,-19.81,-43.98,400,19,8,13,22.76,13.1",
	}, "\n")

	loaded, err := ReadCSV(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "a", loaded[0].OrderID)
	assert.Equal(t, 8.4, *loaded[0].DeliveryDays)

	assert.Equal(t, "c", loaded[1].OrderID)
	assert.True(t, loaded[1].PaymentApprovedAt.IsZero())
	assert.Nil(t, loaded[1].DeliveryDays)
	assert.Equal(t, 0.0, loaded[1].HeightCm)
}

func TestReadCSVSkipsTruncatedRows(t *testing.T) {
	input := strings.Join([]string{
		strings.Join(Columns, ","),
		"a,2017-10-02 10:56:33,2017-10-02 11:07:15,-23.57,-46.58,-23.68,-46.45,500,19,8,13,8.72,8.4",
		"b,2017-10-02 10:56:33,2017-10-02 11:07:15,-23.57,-46.58",
		"c,2018-07-24 20:41:37,2018-07-26 03:24:27,-12.17,-44.99,-19.81,-43.98,400,19,8,13,22.76,13.1",
		"d,2018-07-24 20:41:37,2018-07-26 03:24:27,-12.17,-44.99,-19.81,-43.98,400,19,8,13,22.76,13.1,extra",
	}, "\n")

	loaded, err := ReadCSV(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, loaded, 3)
	assert.Equal(t, "a", loaded[0].OrderID)
	assert.Equal(t, "c", loaded[1].OrderID)
	assert.Equal(t, "d", loaded[2].OrderID)
	assert.Equal(t, 13.1, *loaded[2].DeliveryDays)
}

func TestReadCSVMissingColumn(t *testing.T) {
	_, err := ReadCSV(context.Background(), strings.NewReader("order_id,customer_lat\n"))
	assert.ErrorContains(t, err, "missing column")
}

func TestCSVSourceFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orders.csv")
	src, err := Open(DriverCSV, path)
	require.NoError(t, err)

	_, err = src.Load(context.Background())
	assert.Error(t, err)
	assert.NoError(t, src.Close())
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open("parquet", "x")
	assert.Error(t, err)
}

func TestStaticSourceCopies(t *testing.T) {
	records := Synthetic(3, 1, DefaultSyntheticOptions())
	src := &StaticSource{Records: records}

	loaded, err := src.Load(context.Background())
	require.NoError(t, err)
	loaded[0].OrderID = "changed"
	assert.NotEqual(t, "changed", src.Records[0].OrderID)
}
