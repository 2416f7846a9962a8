package ingestor

import (
	"sync"
	"time"
)

// RateLimitStats 限流统计
type RateLimitStats struct {
	TotalDevices     int `json:"total_devices"`
	DevicesNearLimit int `json:"devices_near_limit"`
	DevicesAtLimit   int `json:"devices_at_limit"`
}

// RateLimiter 按设备的滑动窗口限流器
// 每台设备维护窗口内的接收时间戳列表，检查时惰性剪枝，
// 真滑动窗口而非固定分钟桶
type RateLimiter struct {
	mu           sync.Mutex
	window       time.Duration
	maxPerWindow int
	timestamps   map[string][]time.Time

	now func() time.Time
}

// NewRateLimiter 创建限流器
func NewRateLimiter(window time.Duration, maxPerWindow int) *RateLimiter {
	return &RateLimiter{
		window:       window,
		maxPerWindow: maxPerWindow,
		timestamps:   make(map[string][]time.Time),
		now:          time.Now,
	}
}

// Allow 检查设备是否在限流窗口内
// 剪掉过期时间戳后仍达到上限则拒绝，否则记录本次并放行
func (l *RateLimiter) Allow(deviceID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	windowStart := now.Add(-l.window)

	kept := pruneBefore(l.timestamps[deviceID], windowStart)
	if len(kept) >= l.maxPerWindow {
		l.timestamps[deviceID] = kept
		return false
	}

	l.timestamps[deviceID] = append(kept, now)
	return true
}

// Cleanup 清理窗口内已无时间戳的设备，返回清理数量
// 限制长期静默设备占用的内存
func (l *RateLimiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	windowStart := l.now().Add(-l.window)
	cleaned := 0

	for deviceID, timestamps := range l.timestamps {
		kept := pruneBefore(timestamps, windowStart)
		if len(kept) == 0 {
			delete(l.timestamps, deviceID)
			cleaned++
		} else {
			l.timestamps[deviceID] = kept
		}
	}

	return cleaned
}

// Stats 限流统计：跟踪设备数、接近上限（≥80%）与达到上限的设备数
func (l *RateLimiter) Stats() RateLimitStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := RateLimitStats{TotalDevices: len(l.timestamps)}
	windowStart := l.now().Add(-l.window)
	nearThreshold := int(float64(l.maxPerWindow) * 0.8)

	for _, timestamps := range l.timestamps {
		count := len(pruneBefore(timestamps, windowStart))
		if count >= l.maxPerWindow {
			stats.DevicesAtLimit++
		} else if count >= nearThreshold {
			stats.DevicesNearLimit++
		}
	}

	return stats
}

func pruneBefore(timestamps []time.Time, windowStart time.Time) []time.Time {
	kept := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(windowStart) {
			kept = append(kept, ts)
		}
	}
	return kept
}
