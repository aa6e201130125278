package notice

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogKeepsNewestInOrder(t *testing.T) {
	log := NewLog(3)
	for i := 1; i <= 5; i++ {
		log.Notify(LevelInfo, "c", fmt.Sprintf("m%d", i))
	}

	recent := log.Recent()
	require.Len(t, recent, 3)
	assert.Equal(t, "m3", recent[0].Message)
	assert.Equal(t, "m5", recent[2].Message)
	assert.False(t, recent[0].At.IsZero())
}

func TestLogBeforeWrapAndListener(t *testing.T) {
	log := NewLog(0)
	var heard []string
	log.OnNotice(func(n Notice) { heard = append(heard, n.Code) })

	log.Notify(LevelWarning, CodeStockSkipped, "skipped")

	assert.Len(t, log.Recent(), 1)
	assert.Equal(t, []string{CodeStockSkipped}, heard)
}
