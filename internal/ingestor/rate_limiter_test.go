package ingestor

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_AllowWithinLimit(t *testing.T) {
	limiter := NewRateLimiter(time.Minute, 8)

	// 1秒内10条消息：恰好8条放行，2条被限流
	accepted := 0
	rejected := 0
	for i := 0; i < 10; i++ {
		if limiter.Allow("dev-1") {
			accepted++
		} else {
			rejected++
		}
	}

	assert.Equal(t, 8, accepted)
	assert.Equal(t, 2, rejected)
}

func TestRateLimiter_PerDeviceIsolation(t *testing.T) {
	limiter := NewRateLimiter(time.Minute, 2)

	assert.True(t, limiter.Allow("dev-1"))
	assert.True(t, limiter.Allow("dev-1"))
	assert.False(t, limiter.Allow("dev-1"))

	// 其他设备不受影响
	assert.True(t, limiter.Allow("dev-2"))
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	limiter := NewRateLimiter(time.Minute, 2)

	current := time.Unix(1700000000, 0)
	limiter.now = func() time.Time { return current }

	assert.True(t, limiter.Allow("dev-1"))
	assert.True(t, limiter.Allow("dev-1"))
	assert.False(t, limiter.Allow("dev-1"))

	// 窗口滑过30秒：仍然满
	current = current.Add(30 * time.Second)
	assert.False(t, limiter.Allow("dev-1"))

	// 61秒后最早的时间戳滑出窗口
	current = current.Add(31 * time.Second)
	assert.True(t, limiter.Allow("dev-1"))
}

func TestRateLimiter_Cleanup(t *testing.T) {
	limiter := NewRateLimiter(time.Minute, 8)

	current := time.Unix(1700000000, 0)
	limiter.now = func() time.Time { return current }

	limiter.Allow("dev-1")
	limiter.Allow("dev-2")
	assert.Equal(t, 2, limiter.Stats().TotalDevices)

	// 窗口内仍有时间戳：不清理
	assert.Equal(t, 0, limiter.Cleanup())

	// 全部时间戳过期后清理
	current = current.Add(2 * time.Minute)
	assert.Equal(t, 2, limiter.Cleanup())
	assert.Equal(t, 0, limiter.Stats().TotalDevices)
}

func TestRateLimiter_Stats(t *testing.T) {
	limiter := NewRateLimiter(time.Minute, 8)

	// dev-at达到上限，dev-near达到80%，dev-low远低于
	for i := 0; i < 8; i++ {
		limiter.Allow("dev-at")
	}
	for i := 0; i < 7; i++ {
		limiter.Allow("dev-near")
	}
	limiter.Allow("dev-low")

	stats := limiter.Stats()
	assert.Equal(t, 3, stats.TotalDevices)
	assert.Equal(t, 1, stats.DevicesAtLimit)
	assert.Equal(t, 1, stats.DevicesNearLimit)
}

func TestRateLimiter_ManyDevices(t *testing.T) {
	limiter := NewRateLimiter(time.Minute, 8)

	for i := 0; i < 100; i++ {
		assert.True(t, limiter.Allow(fmt.Sprintf("dev-%d", i)))
	}
	assert.Equal(t, 100, limiter.Stats().TotalDevices)
}
