package main

import (
	"fmt"
	"os"

	"github.com/md-rashed-zaman/funnelscope/libs/runtime"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/cli"
)

func main() {
	_ = runtime.LoadDotEnv()
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
