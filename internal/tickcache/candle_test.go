package tickcache

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/contest-engine/internal/model"
)

func priced(seconds int, price, volume int64) model.Tick {
	return model.Tick{
		Instrument: "INFY",
		Timestamp:  t0.Add(time.Duration(seconds) * time.Second),
		LastPrice:  decimal.NewFromInt(price),
		Volume:     decimal.NewFromInt(volume),
	}
}

func TestRecordCandle_ExtendsAndCloses(t *testing.T) {
	a := NewAggregator([]time.Duration{time.Minute}, 100)

	u := a.RecordCandle("INFY", time.Minute, priced(0, 100, 1000))
	require.True(t, u.IsNew)
	assert.Nil(t, u.Closed)

	u = a.RecordCandle("INFY", time.Minute, priced(20, 110, 1010))
	assert.False(t, u.IsNew)
	u = a.RecordCandle("INFY", time.Minute, priced(40, 95, 1025))
	assert.False(t, u.IsNew)

	c := u.Candle
	assert.True(t, c.Open.Equal(decimal.NewFromInt(100)))
	assert.True(t, c.High.Equal(decimal.NewFromInt(110)))
	assert.True(t, c.Low.Equal(decimal.NewFromInt(95)))
	assert.True(t, c.Close.Equal(decimal.NewFromInt(95)))
	assert.True(t, c.Volume.Equal(decimal.NewFromInt(25)), "volume %s", c.Volume)

	u = a.RecordCandle("INFY", time.Minute, priced(61, 97, 1030))
	require.True(t, u.IsNew)
	require.NotNil(t, u.Closed)
	assert.True(t, u.Closed.Closed)
	assert.True(t, u.Closed.Close.Equal(decimal.NewFromInt(95)))
	assert.Equal(t, t0.Add(time.Minute), u.Candle.BucketStart)
	assert.True(t, u.Candle.Volume.Equal(decimal.NewFromInt(5)))
}

func TestRecordCandle_ClosedCandleNeverMutated(t *testing.T) {
	a := NewAggregator([]time.Duration{time.Minute}, 100)
	a.RecordCandle("INFY", time.Minute, priced(0, 100, 0))
	a.RecordCandle("INFY", time.Minute, priced(70, 120, 0))

	// A late tick from the first bucket folds into the open candle.
	a.RecordCandle("INFY", time.Minute, priced(30, 500, 0))

	candles := a.Candles("INFY", time.Minute, 0)
	require.Len(t, candles, 2)
	assert.True(t, candles[0].High.Equal(decimal.NewFromInt(100)))
	assert.True(t, candles[1].High.Equal(decimal.NewFromInt(500)))
	assert.False(t, candles[1].Closed)
}

func TestRecord_AllTimeframes(t *testing.T) {
	a := NewAggregator([]time.Duration{time.Minute, 5 * time.Minute}, 100)
	for i := 0; i < 10; i++ {
		a.Record(priced(i*60, int64(100+i), int64(i*10)))
	}

	assert.Len(t, a.Candles("INFY", time.Minute, 0), 10)
	assert.Len(t, a.Candles("INFY", 5*time.Minute, 0), 2)
	assert.Len(t, a.Candles("INFY", time.Minute, 3), 3)

	cur, ok := a.Current("INFY", 5*time.Minute)
	require.True(t, ok)
	assert.True(t, cur.Open.Equal(decimal.NewFromInt(105)))
	assert.True(t, cur.Close.Equal(decimal.NewFromInt(109)))
}

func TestRecordCandle_BoundedHistory(t *testing.T) {
	a := NewAggregator([]time.Duration{time.Minute}, 10)
	for i := 0; i < 50; i++ {
		a.RecordCandle("INFY", time.Minute, priced(i*60, 100, 0))
	}
	got := a.Candles("INFY", time.Minute, 0)
	assert.LessOrEqual(t, len(got), 11)
	assert.Equal(t, t0.Add(49*time.Minute), got[len(got)-1].BucketStart)
}
