package main

import (
	"fmt"
	"os"
)

const help = `
******************************************************************************************
 __   __ _      _  _          ____   ____
 \ \ / /| |    (_)| |_  ___  |  _ \ | __ )
  \ V / | |    | || __|/ _ \ | | | ||  _ \
  / . \ | |___ | || |_|  __/ | |_| || |_) |
 /_/ \_\|_____||_| \__|\___| |____/ |____/
******************************************************************************************
*帮助:
*1. --config     指定my.ini或.toml配置文件
*2. --data-dir   覆盖配置中的数据目录
*3. init         初始化数据库
******************************************************************************************
`

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
