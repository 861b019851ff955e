// Package config 从 JSON 文件加载 NUMA 市场守护进程的配置，并为缺省的配置段补全默认值。
package config
