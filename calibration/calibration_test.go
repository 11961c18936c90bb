package calibration

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromCurves(t *testing.T) {
	c := testCurve(t)
	d, err := FromCurves(c, c)
	require.NoError(t, err)
	assert.Equal(t, ModeCurves, d.Mode())
	assert.Equal(t, c.At(1536), d.Estimate(AllReduce, 1536))
	assert.Equal(t, c.At(8192), d.Estimate(AllToAll, 8192))

	_, err = FromCurves(c, nil)
	require.Error(t, err)

	require.Panics(t, func() { d.Bandwidth(AllReduce) })
}

func TestFromBandwidths(t *testing.T) {
	d, err := FromBandwidths(2e9, 5e8)
	require.NoError(t, err)
	assert.Equal(t, ModeBandwidths, d.Mode())
	assert.InDelta(t, 5e-4, d.Estimate(AllReduce, 1e6), 1e-15)
	assert.InDelta(t, 2e-3, d.Estimate(AllToAll, 1e6), 1e-15)

	// Zero volume is a legal input, costed at zero.
	assert.Equal(t, 0.0, d.Estimate(AllReduce, 0))

	_, err = FromBandwidths(-1, 5e8)
	require.ErrorContains(t, err, "must be positive")

	require.Panics(t, func() { d.Curve(AllToAll) })
}

func TestEstimateBulk(t *testing.T) {
	d, err := FromBandwidths(1e9, 1e9)
	require.NoError(t, err)

	sizes := []float64{0, 1e6, 2e6}
	times := make([]float64, 3)
	d.EstimateBulk(AllReduce, sizes, times)
	assert.Equal(t, []float64{0, 1e-3, 2e-3}, times)

	times32 := make([]float32, 3)
	d.EstimateBulkF32(AllToAll, []float32{0, 1e6, 2e6}, times32)
	assert.Equal(t, []float32{0, 1e-3, 2e-3}, times32)

	require.Panics(t, func() { d.EstimateBulk(AllReduce, sizes, times[:1]) })
	require.Panics(t, func() { d.EstimateBulkF32(AllReduce, []float32{1}, nil) })
}

func TestParse(t *testing.T) {
	curves := []byte(`{
		"all_reduce": {"sizes": [1024, 2048], "times": [1e-5, 2e-5]},
		"all_to_all": {"sizes": [1024, 2048], "times": [3e-5, 4e-5]}
	}`)
	d, err := Parse(curves)
	require.NoError(t, err)
	assert.Equal(t, ModeCurves, d.Mode())
	assert.Equal(t, 4e-5, d.Estimate(AllToAll, 2048))

	bandwidths := []byte(`{"all_reduce_bandwidth": 2e9, "all_to_all_bandwidth": 5e8}`)
	d, err = Parse(bandwidths)
	require.NoError(t, err)
	assert.Equal(t, ModeBandwidths, d.Mode())
	assert.Equal(t, 2e9, d.Bandwidth(AllReduce))

	_, err = Parse([]byte(`{}`))
	require.ErrorContains(t, err, "exactly one")

	mixed := []byte(`{
		"all_reduce": {"sizes": [1024, 2048], "times": [1e-5, 2e-5]},
		"all_reduce_bandwidth": 2e9
	}`)
	_, err = Parse(mixed)
	require.ErrorContains(t, err, "exactly one")

	oneCurve := []byte(`{"all_reduce": {"sizes": [1024, 2048], "times": [1e-5, 2e-5]}}`)
	_, err = Parse(oneCurve)
	require.ErrorContains(t, err, "both")

	_, err = Parse([]byte(`not json`))
	require.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calibration.json")
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"all_reduce_bandwidth": 1e9, "all_to_all_bandwidth": 1e9}`), 0644))

	d, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ModeBandwidths, d.Mode())

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}
