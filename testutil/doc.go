// Copyright 2026 FleetFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil 提供 FleetFlow 测试的共享工具和辅助函数。

# 概述

testutil 包为 fleet、workflow、orchestrator 等包的单元测试提供统一的
辅助能力，避免各包重复实现相似的测试基础设施。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout，
    自动注册 Cleanup 防止泄漏
  - 断言工具: AssertErrorCode / AssertEventuallyTrue
  - 等待工具: WaitFor / WaitForChannel

# 子包

  - testutil/mocks: MockCapability（可编程的 Agent Capability，支持
    固定响应、按任务内容响应、延迟与错误注入、调用记录）与
    FakeClock（可手动推进的时钟，用于审批超时与等待步骤测试）

# 使用示例

	ctx := testutil.TestContext(t)
	capability := mocks.NewMockCapability().WithResponse("approve", 0.9)
	clock := mocks.NewFakeClock(time.Now())
	clock.Advance(time.Hour)
*/
package testutil
