package log

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEveryConcurrentCallers(t *testing.T) {
	every := NewEvery(time.Hour)

	var (
		wg     sync.WaitGroup
		logged atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if every.ShouldLog() {
					logged.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), logged.Load())
}

func TestEveryLogsAgainAfterTimeout(t *testing.T) {
	every := NewEvery(10 * time.Millisecond)
	assert.True(t, every.ShouldLog())
	assert.False(t, every.ShouldLog())

	assert.Eventually(t, every.ShouldLog, time.Second, 5*time.Millisecond)
}
