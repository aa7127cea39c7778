package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/samber/do/v2"
	"github.com/vreid/speedduel/internal/pkg/auth"
	"github.com/vreid/speedduel/internal/pkg/bank"
	"github.com/vreid/speedduel/internal/pkg/common"
	"github.com/vreid/speedduel/internal/pkg/engine"
	"github.com/vreid/speedduel/internal/pkg/feed"

	"github.com/urfave/cli/v3"
)

type SpeedDuelService struct {
	EchoService *common.EchoService `do:""`

	EngineService *engine.EngineService `do:""`
	FeedService   *feed.FeedService     `do:""`
}

func runServer(_ context.Context, cmd *cli.Command) error {
	i := do.New()

	do.ProvideNamedValue(i, "port", cmd.Int("port"))
	do.ProvideNamedValue(i, "data-dir", cmd.String("data-dir"))

	do.ProvideNamedValue(i, "jwt-secret", cmd.String("jwt-secret"))

	do.ProvideNamedValue(i, "min-stake", int64(cmd.Int("min-stake")))
	do.ProvideNamedValue(i, "max-stake", int64(cmd.Int("max-stake")))
	do.ProvideNamedValue(i, "duel-ttl-seconds", cmd.Int("duel-ttl-seconds"))
	do.ProvideNamedValue(i, "fee-bps", int64(cmd.Int("fee-bps")))
	do.ProvideNamedValue(i, "fee-account", cmd.String("fee-account"))
	do.ProvideNamedValue(i, "forfeit-awards-win", cmd.Bool("forfeit-awards-win"))

	do.ProvideNamedValue(i, "opening-balance", int64(cmd.Int("opening-balance")))
	do.ProvideNamedValue(i, "feed-capacity", cmd.Int("feed-capacity"))

	eventChan := make(chan engine.Event, 1000)
	var eventSource <-chan engine.Event = eventChan
	var eventSink chan<- engine.Event = eventChan

	do.ProvideNamedValue(i, "event-source", eventSource)
	do.ProvideNamedValue(i, "event-sink", eventSink)

	do.Provide(i, common.NewEchoService)
	do.Provide(i, common.NewDatabaseService)
	do.Provide(i, auth.NewAuthService)

	do.Provide(i, func(i do.Injector) (bank.Bank, error) {
		return bank.NewMemoryBank(i)
	})

	do.Provide(i, engine.NewEngineService)
	do.Provide(i, feed.NewFeedService)

	do.Provide(i, do.InvokeStruct[SpeedDuelService])

	speedDuelService, err := do.Invoke[SpeedDuelService](i)
	if err != nil {
		return fmt.Errorf("failed to create speedduel service: %w", err)
	}

	speedDuelService.FeedService.Start()

	//nolint:wrapcheck
	return speedDuelService.EchoService.Start()
}

func mintToken(_ context.Context, cmd *cli.Command) error {
	authService := &auth.AuthService{
		Secret: []byte(cmd.String("jwt-secret")),
	}

	ttl := time.Duration(cmd.Int("ttl-minutes")) * time.Minute

	token, err := authService.IssueToken(cmd.String("player"), ttl)
	if err != nil {
		return err
	}

	fmt.Println(token)

	return nil
}

func main() {
	_ = godotenv.Load()

	jwtSecretFlag := &cli.StringFlag{
		Name:    "jwt-secret",
		Value:   "secret",
		Sources: cli.EnvVars("SPEEDDUEL_JWT_SECRET"),
	}

	//nolint:exhaustruct
	cmd := &cli.Command{
		Name: "speedduel",
		Commands: []*cli.Command{
			{
				Name: "server",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:    "port",
						Value:   3000, //nolint:mnd
						Sources: cli.EnvVars("SPEEDDUEL_PORT"),
					},
					&cli.StringFlag{
						Name:    "data-dir",
						Value:   "./speedduel/data",
						Sources: cli.EnvVars("SPEEDDUEL_DATA_DIR"),
					},
					jwtSecretFlag,
					&cli.IntFlag{
						Name:    "min-stake",
						Value:   1,
						Sources: cli.EnvVars("SPEEDDUEL_MIN_STAKE"),
					},
					&cli.IntFlag{
						Name:    "max-stake",
						Value:   10_000_000, //nolint:mnd
						Sources: cli.EnvVars("SPEEDDUEL_MAX_STAKE"),
					},
					&cli.IntFlag{
						Name:    "duel-ttl-seconds",
						Value:   300, //nolint:mnd
						Sources: cli.EnvVars("SPEEDDUEL_DUEL_TTL_SECONDS"),
					},
					&cli.IntFlag{
						Name:    "fee-bps",
						Value:   0,
						Sources: cli.EnvVars("SPEEDDUEL_FEE_BPS"),
					},
					&cli.StringFlag{
						Name:    "fee-account",
						Value:   "treasury",
						Sources: cli.EnvVars("SPEEDDUEL_FEE_ACCOUNT"),
					},
					&cli.BoolFlag{
						Name:    "forfeit-awards-win",
						Value:   true,
						Sources: cli.EnvVars("SPEEDDUEL_FORFEIT_AWARDS_WIN"),
					},
					&cli.IntFlag{
						Name:    "opening-balance",
						Value:   1_000_000, //nolint:mnd
						Sources: cli.EnvVars("SPEEDDUEL_OPENING_BALANCE"),
					},
					&cli.IntFlag{
						Name:    "feed-capacity",
						Value:   256, //nolint:mnd
						Sources: cli.EnvVars("SPEEDDUEL_FEED_CAPACITY"),
					},
				},
				Action: runServer,
			},
			{
				Name: "token",
				Flags: []cli.Flag{
					jwtSecretFlag,
					&cli.StringFlag{
						Name:     "player",
						Required: true,
					},
					&cli.IntFlag{
						Name:  "ttl-minutes",
						Value: 60, //nolint:mnd
					},
				},
				Action: mintToken,
			},
		},
		DefaultCommand: "server",
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		log.Fatal(err)
	}
}
