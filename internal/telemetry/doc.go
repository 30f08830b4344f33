// Package telemetry 封装 OpenTelemetry SDK 初始化，
// 为 FleetFlow 的 Fleet、Workflow 与 HTTP span 提供 TracerProvider 和 MeterProvider。
// 禁用时不创建任何 exporter，全局 provider 保持 noop。
package telemetry
