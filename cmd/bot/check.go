package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Exercise each account's public and private endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		a, err := newApp(cfg, log)
		if err != nil {
			return err
		}
		defer a.close()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		failures := 0
		for i, c := range a.coords {
			b := c.Broker()
			key := c.Account().Key()
			fmt.Printf("== %s\n", key)

			if err := b.Connect(ctx); err != nil {
				failures++
				fmt.Printf("  connect: FAILED %v\n", err)
				continue
			}

			if bal, err := b.GetBalance(ctx); err != nil {
				failures++
				fmt.Printf("  balance: FAILED %v\n", err)
			} else {
				fmt.Printf("  balance: %s available=%.2f total=%.2f\n", bal.Currency, bal.Available, bal.Total)
			}

			if holdings, err := b.GetPositions(ctx); err != nil {
				failures++
				fmt.Printf("  holdings: FAILED %v\n", err)
			} else {
				for _, h := range holdings {
					fmt.Printf("  holding: %s %.8f\n", h.Asset, h.Quantity)
				}
			}

			for _, symbol := range a.accounts[i].Symbols {
				price, err := b.GetCurrentPrice(ctx, symbol)
				if err != nil {
					failures++
					fmt.Printf("  price %s: FAILED %v\n", symbol, err)
					continue
				}
				fmt.Printf("  price %s: %.8f\n", symbol, price)

				candles, err := b.GetCandles(ctx, symbol, cfg.Execution.CandleInterval, 5)
				if err != nil {
					failures++
					fmt.Printf("  candles %s: FAILED %v\n", symbol, err)
					continue
				}
				for _, k := range candles {
					fmt.Printf("  candle %s: t=%d o=%.4f h=%.4f l=%.4f c=%.4f v=%.4f\n",
						symbol, k.Time, k.Open, k.High, k.Low, k.Close, k.Volume)
				}
			}
		}
		if failures > 0 {
			return fmt.Errorf("%d check(s) failed", failures)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}
