// Package config 提供 FleetFlow 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量（FLEETFLOW_ 前缀）的顺序加载，
// Validate 一次报告所有问题。FileWatcher 轮询文件修改时间，用于在
// 运行期间重新加载 Fleet 与 Workflow 定义文件。
package config
