package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/lagrange-go/lagrange/internal/config"
	"github.com/spf13/cobra"
)

func tokenCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Inspect and remove stored session tokens",
	}
	cmd.AddCommand(tokenListCmd(configPath), tokenShowCmd(configPath), tokenDeleteCmd(configPath))
	return cmd
}

func tokenListCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			recs, err := store.ListTokens(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "UIN\tUID\tFINGERPRINT\tUPDATED")
			for _, r := range recs {
				fmt.Fprintf(w, "%d\t%s\t%.12s\t%s\n", r.Uin, r.Uid, r.Fingerprint, r.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
}

func tokenShowCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <uin>",
		Short: "Print the token JSON for a uin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uin, err := parseUin(args[0])
			if err != nil {
				return err
			}
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			rec, err := store.LoadToken(cmd.Context(), uin)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), rec.Token)
			return nil
		},
	}
}

func tokenDeleteCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <uin>",
		Short: "Forget the token for a uin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uin, err := parseUin(args[0])
			if err != nil {
				return err
			}
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.DeleteToken(cmd.Context(), uin); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted token for %d\n", uin)
			return nil
		},
	}
}

func parseUin(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("invalid uin %q", s)
	}
	return uint32(v), nil
}
