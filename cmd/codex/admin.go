package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/codexlearn/codex/internal/api"
	"github.com/codexlearn/codex/internal/billing"
	"github.com/codexlearn/codex/internal/config"
	"github.com/codexlearn/codex/internal/store"
	"github.com/codexlearn/codex/pkg/entitlements"
)

// service opens the configured store and wraps it in a billing service.
// Callers close the returned store.
func service(cmd *cobra.Command) (*billing.Service, *entitlements.Evaluator, store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	catalog, err := loadCatalog(cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load plans: %w", err)
	}
	st, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open store: %w", err)
	}
	if cfg.Store == config.StoreMemory {
		fmt.Fprintln(cmd.ErrOrStderr(), "Warning: CODEX_STORE is memory; changes are lost when this command exits")
	}
	evaluator := entitlements.NewEvaluator(catalog)
	return billing.NewService(st, evaluator), evaluator, st, nil
}

func newPlansCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plans",
		Short: "List the plan catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			catalog, err := loadCatalog(cfg)
			if err != nil {
				return err
			}
			printPlans(cmd.OutOrStdout(), catalog)
			return nil
		},
	}
}

func printPlans(out io.Writer, c *entitlements.Catalog) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer tw.Flush()
	fmt.Fprintln(tw, "PLAN\tNAME\tPRICE\tFEATURES")
	for _, p := range c.Plans() {
		var feats []string
		for _, f := range p.Features {
			switch {
			case !f.Included:
			case f.Unlimited:
				feats = append(feats, f.ID)
			case f.Limit != nil:
				feats = append(feats, fmt.Sprintf("%s(%d)", f.ID, *f.Limit))
			default:
				feats = append(feats, f.ID)
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%.2f\t%s\n", p.ID, p.Name, p.Price, strings.Join(feats, ","))
	}
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <user> <feature>",
		Short: "Show a user's entitlement for one feature",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, evaluator, st, err := service(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			sub, err := st.Get(cmd.Context(), args[0])
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			fs := evaluator.FeatureStatus(sub, args[1])
			limit := "-"
			switch {
			case fs.Unlimited:
				limit = "unlimited"
			case fs.Limit != nil:
				limit = fmt.Sprint(*fs.Limit)
			}
			out := cmd.OutOrStdout()
			plan := entitlements.PlanFree
			if sub != nil {
				plan = sub.PlanID
			}
			fmt.Fprintf(out, "user:     %s\n", args[0])
			fmt.Fprintf(out, "plan:     %s\n", plan)
			fmt.Fprintf(out, "feature:  %s\n", fs.ID)
			fmt.Fprintf(out, "included: %t\n", fs.HasFeature)
			fmt.Fprintf(out, "can use:  %t\n", fs.CanUse)
			fmt.Fprintf(out, "usage:    %d / %s\n", fs.Usage, limit)
			fmt.Fprintf(out, "state:    %s\n", fs.State)
			return nil
		},
	}
}

func newGrantCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "grant <user> <plan>",
		Short: "Put a user on a plan without payment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, st, err := service(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			sub, err := svc.Grant(cmd.Context(), args[0], args[1], days)
			if err != nil {
				return err
			}
			until := "no end date"
			if sub.EndDate != nil {
				until = "until " + sub.EndDate.Format(time.DateOnly)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Granted %s to %s (%s)\n", sub.PlanID, sub.UserID, until)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "length of the grant in days (0 for no end date)")
	return cmd
}

func newCodesCmd() *cobra.Command {
	var (
		planID string
		days   int
		count  int
	)
	cmd := &cobra.Command{
		Use:   "codes",
		Short: "Generate access codes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, st, err := service(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			codes, err := svc.CreateAccessCodes(cmd.Context(), planID, days, count)
			if err != nil {
				return err
			}
			for _, c := range codes {
				fmt.Fprintln(cmd.OutOrStdout(), c.Code)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&planID, "plan", entitlements.PlanPro, "plan granted by the codes")
	cmd.Flags().IntVar(&days, "days", 30, "days of access per code")
	cmd.Flags().IntVar(&count, "count", 1, "number of codes to generate")
	return cmd
}

func newHashTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token [token]",
		Short: "Hash an admin token for CODEX_ADMIN_TOKEN_HASH",
		Long:  "Hash an admin token with bcrypt. A random token is generated and printed when none is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			var token string
			if len(args) == 1 {
				token = strings.TrimSpace(args[0])
			}
			if token == "" {
				buf := make([]byte, 24)
				if _, err := rand.Read(buf); err != nil {
					return fmt.Errorf("generate token: %w", err)
				}
				token = hex.EncodeToString(buf)
				fmt.Fprintf(out, "token: %s\n", token)
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("hash token: %w", err)
			}
			fmt.Fprintf(out, "hash:  %s\n", hash)
			return nil
		},
	}
}

func newTokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <user>",
		Short: "Issue a bearer token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			auth, err := api.NewTokenAuth(cfg.JWTSecret)
			if err != nil {
				return err
			}
			token, err := auth.Issue(args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
