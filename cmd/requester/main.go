package main

import (
	"context"
	"fmt"
	"os"

	"emperror.dev/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zylinc/messagebus"
	"github.com/zylinc/messagebus/contracts"
	"github.com/zylinc/messagebus/internal/cli"
	"github.com/zylinc/messagebus/internal/config"
	"github.com/zylinc/messagebus/internal/services"
	"github.com/zylinc/messagebus/messages"
)

const responderQueue = "ResponderApplication"

func main() {
	cmd := cli.NewCommand(cli.App{
		Use:   "requester",
		Short: "Send login and configuration requests",
		Long: `Requester alternately sends a UserLoginRequest and a
ServiceConfigurationRequest every request interval and logs the responses.
With --mode publish the requests are published and responses are observed
as they arrive. With --transport memory a responder runs in the same process.`,
		Defaults: config.Defaults{
			InputQueue: "RequesterApplication",
			Routes: []string{
				"UserLoginRequest=" + responderQueue,
				"ServiceConfigurationRequest=" + responderQueue,
			},
		},
		Flags: func(cmd *cobra.Command, v *viper.Viper) {
			cmd.Flags().String("mode", "", "request waits for each response, publish observes them")
			cmd.Flags().Duration("request-interval", 0, "time between requests")
			for key, flag := range map[string]string{
				config.KeyMode:            "mode",
				config.KeyRequestInterval: "request-interval",
			} {
				if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
					panic(err)
				}
			}
		},
		Run: run,
	})

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, env *cli.Environment) error {
	if env.Broker != nil {
		stop, err := startLocalResponder(ctx, env)
		if err != nil {
			return err
		}
		defer stop()
	}

	driver := services.NewDriver(env.Bus.Requester(),
		services.WithInterval(env.Config.RequestInterval),
		services.WithTimeout(env.Config.RequestTimeout),
		services.WithMode(services.Mode(env.Config.Mode)),
		services.WithLogger(env.Logger),
	)
	return driver.Run(ctx)
}

// startLocalResponder serves the login route on the in-process broker
func startLocalResponder(ctx context.Context, env *cli.Environment) (func(), error) {
	routes, err := env.Config.RouteMap()
	if err != nil {
		return nil, err
	}
	address := routes[contracts.TypeName(&messages.UserLoginRequest{})]
	if address == "" {
		address = responderQueue
	}

	logger := env.Logger.With("app", "responder")
	bus, err := messagebus.New(
		messagebus.WithDialer(env.Broker.Dialer(address)),
		messagebus.WithLogger(logger),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create local responder")
	}

	if err := services.NewHandlers(logger).Register(ctx, bus.Responder()); err != nil {
		_ = bus.Close()
		return nil, errors.Wrap(err, "register local responder")
	}
	if err := bus.Start(ctx); err != nil {
		_ = bus.Close()
		return nil, errors.Wrap(err, "start local responder")
	}

	return func() { _ = bus.Close() }, nil
}
