// Command chainprice resolves historical USD prices for EVM tokens and
// manages the local price database.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/urfave/cli/v2"

	"github.com/chainprice/chainprice/internal/config"
	"github.com/chainprice/chainprice/internal/logging"
	"github.com/chainprice/chainprice/internal/oracle"
	"github.com/chainprice/chainprice/internal/price"
	"github.com/chainprice/chainprice/internal/store"
)

func main() {
	app := &cli.App{
		Name:  "chainprice",
		Usage: "historical USD price oracle for EVM tokens",
		Commands: []*cli.Command{
			priceCommand(),
			dbCommand(),
		},
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := app.RunContext(ctx, os.Args); err != nil {
		if errors.Is(err, store.ErrSchemaMismatch) {
			logging.Logger().Error("schema mismatch", "err", err.Error())
			os.Exit(2)
		}
		logging.Logger().Error("fatal", "err", err.Error())
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func priceCommand() *cli.Command {
	return &cli.Command{
		Name:  "price",
		Usage: "resolve one token's USD price at a block",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "token", Usage: "token address (0x..)", Required: true},
			&cli.Uint64Flag{Name: "block", Usage: "block number (0 = chain head)"},
			&cli.BoolFlag{Name: "skip-cache", Usage: "bypass memory and disk caches"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			token := c.String("token")
			if !common.IsHexAddress(token) {
				return fmt.Errorf("not a token address: %q", token)
			}
			o, err := oracle.New(c.Context, cfg)
			if err != nil {
				return err
			}
			defer o.Close()
			block := c.Uint64("block")
			if block == 0 {
				head, err := o.Head(c.Context)
				if err != nil {
					return err
				}
				block = head
			}
			p, ok, err := o.Router().GetPrice(c.Context, common.HexToAddress(token), block,
				price.Opts{SkipCache: c.Bool("skip-cache")})
			if err != nil {
				var perr *price.PriceError
				if errors.As(err, &perr) {
					fmt.Fprintln(os.Stderr, perr.Error())
					os.Exit(3)
				}
				return err
			}
			if !ok {
				fmt.Fprintf(os.Stderr, "no price for %s at block %d\n", token, block)
				os.Exit(3)
			}
			fmt.Printf("%s\n", p.String())
			return nil
		},
	}
}

func dbCommand() *cli.Command {
	return &cli.Command{
		Name:  "db",
		Usage: "inspect and maintain the local price database",
		Subcommands: []*cli.Command{
			{
				Name:  "info",
				Usage: "row counts per table and database size",
				Action: withStore(func(c *cli.Context, cfg config.Config, st *store.Store) error {
					counts, err := st.Info(c.Context)
					if err != nil {
						return err
					}
					for _, tc := range counts {
						fmt.Printf("%-24s %d\n", tc.Table, tc.Rows)
					}
					if cfg.DBProvider == config.ProviderEmbedded {
						if fi, err := os.Stat(cfg.SQLitePath); err == nil {
							fmt.Printf("%-24s %d bytes\n", "file size", fi.Size())
						}
					}
					return nil
				}),
			},
			{
				Name:  "vacuum",
				Usage: "reclaim space after large deletes",
				Action: withStore(func(c *cli.Context, _ config.Config, st *store.Store) error {
					return st.Vacuum(c.Context)
				}),
			},
			{
				Name:  "clear",
				Usage: "delete cached rows for one token or one block",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "token", Usage: "token address to forget"},
					&cli.Uint64Flag{Name: "block", Usage: "block number to forget"},
				},
				Action: withStore(func(c *cli.Context, _ config.Config, st *store.Store) error {
					token, block := c.String("token"), c.Uint64("block")
					switch {
					case token != "" && block != 0:
						return errors.New("pass either --token or --block, not both")
					case token != "":
						if !common.IsHexAddress(token) {
							return fmt.Errorf("not a token address: %q", token)
						}
						n, err := st.ClearToken(c.Context, token)
						if err != nil {
							return err
						}
						fmt.Printf("deleted %d rows\n", n)
						return nil
					case block != 0:
						n, err := st.ClearBlock(c.Context, block)
						if err != nil {
							return err
						}
						fmt.Printf("deleted %d rows\n", n)
						return nil
					default:
						return errors.New("pass --token or --block")
					}
				}),
			},
			{
				Name:  "nuke",
				Usage: "delete everything for the configured chain",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "force", Usage: "skip the confirmation prompt"},
				},
				Action: withStore(func(c *cli.Context, _ config.Config, st *store.Store) error {
					if !c.Bool("force") {
						fmt.Print("this deletes all cached data for the chain; type 'yes' to continue: ")
						var answer string
						fmt.Scanln(&answer)
						if answer != "yes" {
							return errors.New("aborted")
						}
					}
					return st.Nuke(c.Context)
				}),
			},
		},
	}
}

// withStore opens just the store, skipping RPC wiring the db commands never
// need.
func withStore(fn func(*cli.Context, config.Config, *store.Store) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := store.Open(c.Context, cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		return fn(c, cfg, st)
	}
}
