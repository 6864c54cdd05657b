package main

import (
	"fmt"

	"github.com/any-hub/csproxy/internal/negotiate"
	"github.com/any-hub/csproxy/internal/version"
)

// printVersion 输出注入的版本、提交信息与支持的协议范围。
func printVersion() {
	fmt.Fprintln(stdOut, version.Full())
	fmt.Fprintf(stdOut, "protocols %d-%d\n", negotiate.MinProtocol, negotiate.MaxProtocol)
}
