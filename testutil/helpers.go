// =============================================================================
// 🧪 测试辅助函数
// =============================================================================
// 提供通用的测试辅助函数和断言
//
// 使用方法:
//
//	ctx := testutil.TestContext(t)
//	testutil.AssertEventuallyTrue(t, func() bool { return condition }, 5*time.Second)
//
// =============================================================================
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/BaSui01/fleetflow/types"
)

// =============================================================================
// 🎯 上下文辅助
// =============================================================================

// TestContext 返回带超时的测试上下文
func TestContext(t *testing.T) context.Context {
	return TestContextWithTimeout(t, 30*time.Second)
}

// TestContextWithTimeout 返回带自定义超时的测试上下文
func TestContextWithTimeout(t *testing.T, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// =============================================================================
// 🔍 断言辅助
// =============================================================================

// AssertErrorCode 断言错误携带指定的错误码
func AssertErrorCode(t *testing.T, err error, code types.ErrorCode) {
	t.Helper()
	if !assert.Error(t, err) {
		return
	}
	assert.Equal(t, code, types.GetErrorCode(err), "unexpected error: %v", err)
}

// AssertEventuallyTrue 断言条件最终为真
func AssertEventuallyTrue(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()
	if !WaitFor(condition, timeout) {
		t.Errorf("condition not met within %v", timeout)
	}
}

// =============================================================================
// ⏳ 等待辅助
// =============================================================================

// WaitFor 轮询等待条件满足，超时返回 false
func WaitFor(condition func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return condition()
}

// WaitForChannel 等待通道值或通道关闭，超时返回零值和 false
func WaitForChannel[T any](ch <-chan T, timeout time.Duration) (T, bool) {
	select {
	case v := <-ch:
		return v, true
	case <-time.After(timeout):
		var zero T
		return zero, false
	}
}
