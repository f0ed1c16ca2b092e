package main

// ============================================================================
// 職責說明：
// 1. CLI 應用程式入口點
// 2. 初始化並執行 CLI 命令
// 3. 處理頂層錯誤與 panic recovery
//
// 編譯：
//   go build -ldflags "-X github.com/ChuLiYu/gpu-queue/internal/cli.Version=1.2.0" -o bin/gpu-queue ./cmd/queue
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/gpu-queue/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
