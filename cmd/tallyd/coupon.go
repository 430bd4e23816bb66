package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/xraph/tally"
	"github.com/xraph/tally/coupon"
	"github.com/xraph/tally/types"
)

func newCouponCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "coupon",
		Short: "Manage redeemable coupons",
	}
	cmd.AddCommand(newCouponCreateCmd(flags))
	return cmd
}

func newCouponCreateCmd(flags *globalFlags) *cobra.Command {
	var (
		amount  string
		expires time.Duration
	)

	cmd := &cobra.Command{
		Use:   "create <code>",
		Short: "Seed a coupon into the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := types.Parse(amount, "usd")
			if err != nil {
				return fmt.Errorf("amount: %w", err)
			}

			_, snap, logger, err := loadConfig(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			st, err := openStore(snap.Raw().Store)
			if err != nil {
				return err
			}
			defer st.Close()

			c := &coupon.Coupon{Code: args[0], Amount: value}
			if expires > 0 {
				c.ExpiresAt = time.Now().UTC().Add(expires)
			}

			l := tally.New(st, tally.WithLogger(logger))
			if err := l.CreateCoupon(cmd.Context(), c); err != nil {
				if errors.Is(err, tally.ErrAlreadyExists) {
					return fmt.Errorf("coupon %s already exists", coupon.Normalize(args[0]))
				}
				return err
			}
			if err := st.Publish(cmd.Context()); err != nil {
				return fmt.Errorf("publish: %w", err)
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", c.Code, c.Amount)
			return err
		},
	}
	cmd.Flags().StringVar(&amount, "amount", "", "credit granted on redemption, in USD")
	cmd.Flags().DurationVar(&expires, "expires-in", 0, "validity window; zero means no expiry")
	_ = cmd.MarkFlagRequired("amount") //nolint:errcheck // flag is defined above
	return cmd
}
