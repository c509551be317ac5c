package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"ninja-hashbuild/ninja-go"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := ninja_go.RealMain(ctx, os.Args)
	stop()
	os.Exit(code)
}
