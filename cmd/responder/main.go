package main

import (
	"context"
	"fmt"
	"os"

	"github.com/zylinc/messagebus/internal/cli"
	"github.com/zylinc/messagebus/internal/config"
	"github.com/zylinc/messagebus/internal/services"
)

func main() {
	cmd := cli.NewCommand(cli.App{
		Use:   "responder",
		Short: "Answer login and configuration requests",
		Long: `Responder consumes the ResponderApplication queue and answers every
UserLoginRequest and ServiceConfigurationRequest it receives. It keeps
reconnecting to the broker until interrupted.`,
		Defaults: config.Defaults{InputQueue: "ResponderApplication"},
		Setup: func(ctx context.Context, env *cli.Environment) error {
			return services.NewHandlers(env.Logger).Register(ctx, env.Bus.Responder())
		},
	})

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
