package main

import (
	"fmt"
	"os"

	"surge_bot/internal/modules/store"
	storesvc "surge_bot/internal/modules/store/service"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
	"github.com/tidwall/pretty"
	"go.uber.org/fx"
)

func newPositionsCmd() *cobra.Command {
	var withClosed bool

	cmd := &cobra.Command{
		Use:   "positions",
		Short: "Print persisted positions and the bought set",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return oneShot(
				store.Module(),
				fx.Invoke(func(j *storesvc.Journal) error {
					snap := j.Snapshot()
					if !withClosed {
						snap.Closed = nil
					}
					return printJSON(snap)
				}),
			)
		},
	}
	cmd.Flags().BoolVar(&withClosed, "closed", false, "include closed-trade archive")
	return cmd
}

func printJSON(v any) error {
	raw, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	out := pretty.Pretty(raw)
	if fi, err := os.Stdout.Stat(); err == nil && fi.Mode()&os.ModeCharDevice != 0 {
		out = pretty.Color(out, nil)
	}
	_, err = fmt.Fprint(os.Stdout, string(out))
	return err
}
