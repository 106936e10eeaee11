package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/trustagent/mandates/pkg/auth"
	"github.com/trustagent/mandates/pkg/crypto"
)

func newKeygenCmd() *cobra.Command {
	var (
		out   string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a 32-byte hex seed for signing or token keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := os.Stat(out); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", out)
			}
			if _, err := crypto.WriteSeed(out); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", out)
			return err
		},
	}
	cmd.Flags().StringVar(&out, "out", "data/signing.seed", "Seed file to write")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing seed file")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var (
		owner   string
		roles   []string
		ttl     time.Duration
		keyFile string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for an owner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			if keyFile == "" {
				keyFile = cfg.AuthKeyFile
			}
			seed, err := loadOrGenerateSeed(keyFile, cfg.Production, logger)
			if err != nil {
				return err
			}
			ks, err := auth.NewEd25519KeySet(seed)
			if err != nil {
				return err
			}
			tok, err := auth.MintToken(cmd.Context(), ks, owner, roles, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(tok))
			return err
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Owner id placed in the token subject (required)")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "Roles to grant, e.g. --role admin")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	cmd.Flags().StringVar(&keyFile, "key-file", "", "Token key seed (defaults to AUTH_KEY_FILE)")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}
