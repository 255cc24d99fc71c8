package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ManuelReschke/billingfox/internal/pkg/bootstrap"
	"github.com/ManuelReschke/billingfox/internal/pkg/env"
	"github.com/ManuelReschke/billingfox/internal/pkg/logger"
)

func main() {
	env.SetupEnvFile()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	root := newRootCmd(func(ctx context.Context) (*bootstrap.Services, error) {
		return bootstrap.New(ctx, logger.New())
	})
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
