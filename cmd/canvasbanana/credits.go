package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/smallbiznis/canvasbanana/pkg/creditclient"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type creditsFlags struct {
	apiURL string
	token  string
	debug  bool
}

func newCreditsCmd() *cobra.Command {
	flags := &creditsFlags{}
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Call the credits API as a signed-in user",
	}

	cmd.PersistentFlags().StringVar(&flags.apiURL, "api", envOr("CANVASBANANA_API_URL", "http://localhost:8080"), "credits API base URL")
	cmd.PersistentFlags().StringVar(&flags.token, "token", os.Getenv("CANVASBANANA_TOKEN"), "bearer token")
	cmd.PersistentFlags().BoolVar(&flags.debug, "debug", false, "log requests")

	cmd.AddCommand(
		newBalanceCmd(flags),
		newPackagesCmd(flags),
		newHistoryCmd(flags),
		newConsumeCmd(flags),
		newBuyCmd(flags),
		newVerifyCmd(flags),
	)
	return cmd
}

func (f *creditsFlags) facade(opener creditclient.URLOpener) (*creditclient.Facade, error) {
	log := zap.NewNop()
	if f.debug {
		dev, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		log = dev
	}

	client, err := creditclient.NewClient(creditclient.Config{
		BaseURL: f.apiURL,
		Tokens:  creditclient.StaticToken(f.token),
		Log:     log,
	})
	if err != nil {
		return nil, err
	}
	return creditclient.NewFacade(creditclient.FacadeConfig{Client: client, Opener: opener, Log: log})
}

func newBalanceCmd(flags *creditsFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Show the credit balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			facade, err := flags.facade(nil)
			if err != nil {
				return err
			}
			balance := facade.Refresh(cmd.Context())

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Balance:    %d\n", balance.Balance)
			_, _ = fmt.Fprintf(out, "Purchased:  %d\n", balance.TotalPurchased)
			_, _ = fmt.Fprintf(out, "Downloaded: %d\n", balance.TotalDownloaded)
			if !balance.Authoritative {
				_, _ = fmt.Fprintln(out, "(offline or signed out; showing the free display balance)")
			}
			return nil
		},
	}
}

func newPackagesCmd(flags *creditsFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "packages",
		Short: "List credit packages",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := creditclient.NewClient(creditclient.Config{BaseURL: flags.apiURL})
			if err != nil {
				return err
			}
			packages, err := client.Packages(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "CREDITS\tPRICE\tPER CREDIT\tSAVINGS\t")
			for _, pkg := range packages {
				label := ""
				if pkg.Popular {
					label = " (popular)"
				}
				_, _ = fmt.Fprintf(w, "%d%s\t%s\t%s\t%d%%\t\n", pkg.Credits, label, pkg.Price, pkg.PricePerCredit, pkg.SavingsPercent)
			}
			return w.Flush()
		},
	}
}

func newHistoryCmd(flags *creditsFlags) *cobra.Command {
	var pageSize int
	var pageToken string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List ledger transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := creditclient.NewClient(creditclient.Config{BaseURL: flags.apiURL, Tokens: creditclient.StaticToken(flags.token)})
			if err != nil {
				return err
			}
			page, err := client.Transactions(cmd.Context(), pageToken, pageSize)
			if err != nil {
				return describe(err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "WHEN\tTYPE\tDELTA\tBALANCE\tREF\t")
			for _, txn := range page.Transactions {
				ref := txn.ArtifactID
				if ref == "" {
					ref = txn.ExternalPaymentRef
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%+d\t%d\t%s\t\n", txn.CreatedAt.Format("2006-01-02 15:04"), txn.Type, txn.CreditsDelta, txn.BalanceAfter, ref)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if page.HasMore {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "next page: --page-token %s\n", page.NextPageToken)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&pageSize, "page-size", 20, "transactions per page")
	cmd.Flags().StringVar(&pageToken, "page-token", "", "page token from a previous call")
	return cmd
}

func newConsumeCmd(flags *creditsFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "consume <artifact-id>",
		Short: "Spend one credit to download an artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			facade, err := flags.facade(nil)
			if err != nil {
				return err
			}

			tracker := creditclient.NewArtifactTracker()
			resp := tracker.Download(cmd.Context(), facade, args[0])

			out := cmd.OutOrStdout()
			switch resp.Outcome {
			case creditclient.OutcomeDownloaded:
				_, _ = fmt.Fprintf(out, "Credit spent. New balance: %d\n", resp.NewBalance)
			case creditclient.OutcomeAlreadyDownloaded:
				_, _ = fmt.Fprintln(out, "Already downloaded; no credit spent.")
			case creditclient.OutcomeNeedsPurchase:
				return fmt.Errorf("insufficient credits; run `canvasbanana credits buy 5`")
			case creditclient.OutcomeNeedsSignIn:
				return fmt.Errorf("sign in required; pass --token")
			default:
				return describe(resp.Err)
			}
			return nil
		},
	}
}

func newBuyCmd(flags *creditsFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "buy <credits>",
		Short: "Start a checkout for a credit package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			credits, err := strconv.ParseInt(strings.TrimSpace(args[0]), 10, 64)
			if err != nil {
				return fmt.Errorf("credits must be a number: %w", err)
			}

			opener := creditclient.URLOpenerFunc(func(_ context.Context, url string) error {
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "Complete the payment at:\n  %s\n", url)
				return err
			})
			facade, err := flags.facade(opener)
			if err != nil {
				return err
			}

			session, err := facade.Purchase(cmd.Context(), credits)
			if err != nil {
				return describe(err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Then run: canvasbanana credits verify %s\n", session.SessionID)
			return nil
		},
	}
}

func newVerifyCmd(flags *creditsFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <session-id>",
		Short: "Credit a completed checkout session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			facade, err := flags.facade(nil)
			if err != nil {
				return err
			}

			result, err := facade.VerifyPayment(cmd.Context(), args[0])
			if err != nil {
				return describe(err)
			}
			if result.AlreadyReconciled {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Session already credited. Balance: %d\n", result.NewBalance)
				return nil
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Added %d credits. Balance: %d\n", result.CreditsAdded, result.NewBalance)
			return nil
		},
	}
}

// describe turns an API failure into a message fit for the terminal.
func describe(err error) error {
	if err == nil {
		return nil
	}
	switch creditclient.KindOf(err) {
	case creditclient.KindUnauthenticated:
		return fmt.Errorf("sign in required; pass --token")
	case creditclient.KindInsufficientCredits:
		return fmt.Errorf("insufficient credits")
	case creditclient.KindPaymentNotCompleted:
		return fmt.Errorf("payment not completed yet; try again once it clears")
	case creditclient.KindInvalidSessionMetadata:
		return fmt.Errorf("this checkout session cannot be credited to your account")
	case creditclient.KindValidation:
		return fmt.Errorf("invalid request: %w", err)
	case creditclient.KindRateLimited:
		return fmt.Errorf("too many requests; slow down")
	case creditclient.KindPaymentProvider:
		return fmt.Errorf("payment provider unavailable; try again")
	case creditclient.KindNetwork:
		return fmt.Errorf("cannot reach the credits API: %w", err)
	default:
		return fmt.Errorf("something went wrong: %w", err)
	}
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
