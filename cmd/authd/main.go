// Package main is the entrypoint for the phone authentication service.
// authd serves the public OTP and token flows plus the internal
// rate-limit and attack-detection surface.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aelexs/phone-auth-service/internal/config"
	"github.com/aelexs/phone-auth-service/internal/server"
)

func main() {
	ctx := context.Background()
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	return server.Run(ctx, server.Params{
		Name:           "authd",
		PortFromConfig: func(cfg *config.Config) int { return cfg.Server.HTTPPort },
		Setup:          setup,
	}, nil)
}
