// Package api 暴露市场的 REST 接口：智能体与服务目录的注册、撮合预览、
// 同步购买、异步购买任务、结算记录查询与服务商统计。
package api
