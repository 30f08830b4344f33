package mocks

import (
	"sort"
	"sync"
	"time"
)

// FakeClock 是可手动推进的 types.Clock 实现
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*clockWaiter
}

type clockWaiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewFakeClock 创建从 start 开始的时钟
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now 返回当前模拟时间
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After 返回在模拟时间推进 d 后触发的通道；d <= 0 立即触发
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, &clockWaiter{deadline: c.now.Add(d), ch: ch})
	return ch
}

// Advance 推进模拟时间并触发所有到期的等待者
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
	sort.Slice(c.waiters, func(i, j int) bool {
		return c.waiters[i].deadline.Before(c.waiters[j].deadline)
	})

	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.deadline.After(c.now) {
			w.ch <- c.now
			continue
		}
		remaining = append(remaining, w)
	}
	c.waiters = remaining
}

// Waiters 返回尚未触发的等待者数量
func (c *FakeClock) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// BlockUntil 等待至少 n 个等待者注册，超时返回 false
func (c *FakeClock) BlockUntil(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.Waiters() >= n {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return c.Waiters() >= n
}
