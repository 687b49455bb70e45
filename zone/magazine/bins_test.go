package magazine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/zonekit/internal/format"
)

func Test_Bins_Monotonic(t *testing.T) {
	for _, l := range []BinLayout{BinsFine, BinsBalanced, BinsCoarse} {
		t.Run(l.Name, func(t *testing.T) {
			tbl := newBinTable(l)
			require.NotZero(t, tbl.NumClasses())
			for i := 1; i < len(tbl.upper); i++ {
				assert.Greater(t, tbl.upper[i], tbl.upper[i-1])
			}
			assert.Equal(t, l.Limit-1, tbl.upper[len(tbl.upper)-1])
		})
	}
}

func Test_Bins_Class(t *testing.T) {
	tbl := newBinTable(BinsBalanced)

	assert.Equal(t, 0, tbl.class(format.Quantum))
	assert.Equal(t, 1, tbl.class(2*format.Quantum))
	assert.Equal(t, tbl.NumClasses(), tbl.class(16<<10))
	assert.Equal(t, tbl.NumClasses(), tbl.class(format.RegionSize))

	// Every size lands in the first bin whose upper bound covers it.
	for size := uintptr(format.Quantum); size < 16<<10; size += format.Quantum {
		c := tbl.class(size)
		require.Less(t, c, tbl.NumClasses())
		assert.LessOrEqual(t, size, tbl.upper[c])
		if c > 0 {
			assert.Greater(t, size, tbl.upper[c-1])
		}
	}
}

func Test_Bins_Validate(t *testing.T) {
	assert.True(t, DefaultBins.validate())

	bad := BinsBalanced
	bad.Step = 8
	assert.False(t, bad.validate())

	bad = BinsBalanced
	bad.Growth = 1
	assert.False(t, bad.validate())
}
