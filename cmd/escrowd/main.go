package main

// ============================================================================
// 職責說明：
// 1. escrowd 入口點
// 2. 執行 CLI 命令，錯誤時以非零狀態結束
// ============================================================================

import (
	"os"

	"github.com/ChuLiYu/escrow-ledger/internal/cli"
)

func main() {
	if err := cli.BuildCLI().Execute(); err != nil {
		os.Exit(1)
	}
}
