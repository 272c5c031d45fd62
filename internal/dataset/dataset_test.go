package dataset

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCSV = `timestamp,symbol,company_name,token,last_traded_price,volume_traded,open_price,high_price,low_price,close_price
2025-09-19 09:15:02.000000,INFY,Infosys,1594,1500.5,100,1490,1502,1488,1495
2025-09-19 09:15:00.000000,INFY,Infosys,1594,1500.0,50,1490,1501,1488,1495
2025-09-19 09:15:01.500000,TCS,Tata Consultancy,11536,3100,20,3090,3105,3080,3095
2025-09-19 09:16:00.000000,TCS,Tata Consultancy,11536,3110,40,3090,3110,3080,3095
not-a-time,TCS,Tata Consultancy,11536,3110,40,3090,3110,3080,3095
2025-09-19 09:16:00.000000,TCS,Tata Consultancy,11536,0,40,3090,3110,3080,3095
`

func TestLoadCSV(t *testing.T) {
	ds, err := LoadCSV(strings.NewReader(sampleCSV))
	require.NoError(t, err)

	assert.Equal(t, []string{"INFY", "TCS"}, ds.Instruments())
	assert.Equal(t, 2, ds.Len("INFY"))
	assert.Equal(t, 2, ds.Len("TCS"))
	assert.Equal(t, 60*time.Second, ds.Duration())

	// Rows are sorted by timestamp regardless of file order.
	first := ds.Row("INFY", 0)
	assert.True(t, first.LastPrice.Equal(decimal.NewFromInt(1500)), "got %s", first.LastPrice)
}

func TestCountAt(t *testing.T) {
	ds, err := LoadCSV(strings.NewReader(sampleCSV))
	require.NoError(t, err)

	assert.Equal(t, 1, ds.CountAt("INFY", 0))
	assert.Equal(t, 0, ds.CountAt("TCS", time.Second))
	assert.Equal(t, 1, ds.CountAt("TCS", 1500*time.Millisecond))
	assert.Equal(t, 2, ds.CountAt("INFY", 2*time.Second))
	assert.Equal(t, 2, ds.CountAt("TCS", time.Hour))
	assert.Equal(t, 0, ds.CountAt("UNKNOWN", time.Hour))
}

func TestRowsClamp(t *testing.T) {
	ds, err := LoadCSV(strings.NewReader(sampleCSV))
	require.NoError(t, err)

	assert.Len(t, ds.Rows("INFY", -5, 100), 2)
	assert.Empty(t, ds.Rows("INFY", 2, 1))
}

func TestLoadCSV_MissingColumn(t *testing.T) {
	_, err := LoadCSV(strings.NewReader("timestamp,symbol\n2025-09-19 09:15:00,INFY\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "last_traded_price")
}

func TestLoadCSV_Empty(t *testing.T) {
	_, err := LoadCSV(strings.NewReader("timestamp,symbol,last_traded_price\n"))
	assert.True(t, errors.Is(err, ErrEmptyDataset))
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2025, 9, 19, 9, 15, 0, 0, time.UTC)
	for _, in := range []string{
		"2025-09-19 09:15:00",
		"2025-09-19 09:15:00.000000",
		"2025-09-19T09:15:00Z",
		"1758273300",
		"1758273300000",
		"1.7582733E+12",
	} {
		got, err := ParseTimestamp(in)
		require.NoError(t, err, in)
		assert.True(t, got.Equal(want), "%s parsed as %s", in, got)
	}

	_, err := ParseTimestamp("yesterday")
	assert.Error(t, err)
}
