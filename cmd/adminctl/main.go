// adminctl is the operator CLI: schema migration, offline key rotation,
// ledger reconciliation, stale-hold sweeping, delegation retries and
// ticket claiming.
package main

import (
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ecobank/hivemint/internal/config"
	"github.com/ecobank/hivemint/internal/hive"
	"github.com/ecobank/hivemint/internal/ids"
	"github.com/ecobank/hivemint/internal/logging"
	"github.com/ecobank/hivemint/internal/service"
	"github.com/ecobank/hivemint/internal/store"
	"github.com/ecobank/hivemint/internal/vault"
)

func main() {
	root := &cobra.Command{
		Use:           "adminctl",
		Short:         "Operational tooling for the account provisioning service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(migrateCmd(), rotateKeysCmd(), reconcileCmd(), sweepCmd(), claimCmd(), delegateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// openStore loads only the database side of the configuration; commands
// that sign transactions or open the vault check their extra requirements
// themselves.
func openStore() (*config.Config, *store.Store, error) {
	cfg, err := config.LoadCore()
	if err != nil {
		return nil, nil, err
	}
	st, err := store.New(cfg.DBSource)
	if err != nil {
		return nil, nil, err
	}
	return cfg, st, nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("schema up to date")
			return nil
		},
	}
}

// rotateKeysCmd re-encrypts every stored key blob under a new vault key.
// The service must be stopped during rotation; each blob is decrypted with
// the old key, verified, and committed one account at a time.
func rotateKeysCmd() *cobra.Command {
	var newKeyB64 string
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "rotate-keys",
		Short: "Re-encrypt stored account keys under a new vault key",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			if err := cfg.RequireVault(); err != nil {
				return err
			}

			old, err := vault.New(cfg.VaultKey)
			if err != nil {
				return fmt.Errorf("current vault key: %w", err)
			}
			raw, err := base64.StdEncoding.DecodeString(newKeyB64)
			if err != nil {
				return fmt.Errorf("--new-key must be base64: %w", err)
			}
			next, err := vault.New(raw)
			if err != nil {
				return fmt.Errorf("new vault key: %w", err)
			}
			if next.KeyID() == old.KeyID() {
				return fmt.Errorf("new key is identical to the current key")
			}

			accounts, err := st.ListAllAccounts(ctx)
			if err != nil {
				return err
			}

			rotated, skipped := 0, 0
			for i := range accounts {
				acct := &accounts[i]
				if acct.KeyID == next.KeyID() {
					skipped++
					continue
				}
				blob, err := vault.ReEncrypt(old, next, acct.EncryptedKeys)
				if err != nil {
					return fmt.Errorf("account %s: %w", acct.Name, err)
				}
				if dryRun {
					rotated++
					continue
				}
				if err := st.UpdateAccountKeys(ctx, acct.ID, blob, next.KeyID()); err != nil {
					return fmt.Errorf("account %s: %w", acct.Name, err)
				}
				rotated++
			}

			verb := "rotated"
			if dryRun {
				verb = "would rotate"
			}
			fmt.Printf("%s %d account(s), %d already current (key %s)\n", verb, rotated, skipped, next.KeyID())
			if !dryRun && rotated > 0 {
				fmt.Println("update VAULT_KEY in the environment before restarting the service")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&newKeyB64, "new-key", "", "replacement vault key, base64 encoded (required)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "decrypt and verify without writing")
	cmd.MarkFlagRequired("new-key")
	return cmd
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Report accounts whose balance diverges from their event sum",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			divergences, err := st.ReconcileBalances(cmd.Context())
			if err != nil {
				return err
			}
			if len(divergences) == 0 {
				fmt.Println("all balances match their event sums")
				return nil
			}
			for _, d := range divergences {
				fmt.Printf("user %d: balance %d, event sum %d (drift %+d)\n",
					d.UserID, d.Cached, d.EventSum, d.Cached-d.EventSum)
			}
			return fmt.Errorf("%d account(s) diverged", len(divergences))
		},
	}
}

func sweepCmd() *cobra.Command {
	var maxAge time.Duration

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Refund reservations stuck in held or provisioning",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			if err := ids.SetNode(cfg.SnowflakeNode); err != nil {
				return err
			}
			if maxAge == 0 {
				maxAge = cfg.ReservationMaxAge
			}

			log, err := logging.Init()
			if err != nil {
				return err
			}
			defer log.Sync()

			coord := service.NewCoordinator(st, nil, nil, maxAge, log)
			refunded, err := coord.SweepExpired(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("refunded %d stale reservation(s)\n", refunded)
			return nil
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "override RESERVATION_MAX_AGE")
	return cmd
}

// delegateCmd retries the resource delegation for accounts whose original
// delegation failed during provisioning.
func delegateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delegate <account>",
		Short: "Retry the resource delegation for a provisioned account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			if err := cfg.RequireChain(); err != nil {
				return err
			}

			chain, err := hive.NewClient(hive.ClientConfig{
				NodeURL:    cfg.HiveNodeURL,
				ChainID:    cfg.HiveChainID,
				Prefix:     cfg.HiveAddressPrefix,
				Claimer:    cfg.ClaimerAccount,
				ClaimerWIF: cfg.ClaimerActiveWIF,
				Timeout:    cfg.ChainCallTimeout,
			})
			if err != nil {
				return err
			}

			log, err := logging.Init()
			if err != nil {
				return err
			}
			defer log.Sync()

			// No vault needed: delegation touches no key material.
			prov := service.NewProvisioner(st, chain, nil, cfg.DelegationHP, cfg.ProvisionAttempts, log)
			if err := prov.RetryDelegation(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("delegation confirmed for %s\n", args[0])
			return nil
		},
	}
}

// claimCmd burns claimer RC to stockpile account tickets.
func claimCmd() *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Claim discounted account tickets with the claimer's resource credits",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.LoadCore()
			if err != nil {
				return err
			}
			if err := cfg.RequireChain(); err != nil {
				return err
			}
			chain, err := hive.NewClient(hive.ClientConfig{
				NodeURL:    cfg.HiveNodeURL,
				ChainID:    cfg.HiveChainID,
				Prefix:     cfg.HiveAddressPrefix,
				Claimer:    cfg.ClaimerAccount,
				ClaimerWIF: cfg.ClaimerActiveWIF,
				Timeout:    cfg.ChainCallTimeout,
			})
			if err != nil {
				return err
			}

			log, err := logging.Init()
			if err != nil {
				return err
			}
			defer log.Sync()

			for i := 0; i < count; i++ {
				txID, err := chain.ClaimAccount(ctx)
				if err != nil {
					return fmt.Errorf("claim %d/%d: %w", i+1, count, err)
				}
				log.Info("ticket claimed", zap.Int("n", i+1), zap.String("tx_id", txID))
			}
			tickets, err := chain.PendingTickets(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("claimer now holds %d pending ticket(s)\n", tickets)
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "count", 1, "number of tickets to claim")
	return cmd
}
