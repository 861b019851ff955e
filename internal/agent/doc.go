// Package agent 是 API 与购买任务共用的市场入口：登记智能体与服务，
// 预览排序结果，并在撮合引擎和结算协调器之上完成“发现并执行”的购买。
package agent
