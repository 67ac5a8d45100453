// Package main provides the entry point for the podmesh server, a
// pay-per-access attestation and monetization layer for stored knowledge.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"

	"github.com/podmesh/podmesh-server/internal/attest"
	"github.com/podmesh/podmesh-server/internal/chain"
	"github.com/podmesh/podmesh-server/internal/config"
	"github.com/podmesh/podmesh-server/internal/overlay"
	"github.com/podmesh/podmesh-server/internal/payment"
	"github.com/podmesh/podmesh-server/internal/storage"
	"github.com/podmesh/podmesh-server/internal/wallet"
)

var log = logging.Logger("podmesh")

var rootCmd = &cobra.Command{
	Use:   "podmesh",
	Short: "podmesh - pay-per-access attestation for stored knowledge",
	Long: `podmesh anchors content hashes on chain, announces resources into a
discovery overlay, and settles access through derivation-unique
micropayments delivered directly to their recipients.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debug {
			logging.SetAllLoggers(logging.LevelDebug)
		} else {
			logging.SetAllLoggers(logging.LevelInfo)
		}
	},
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the podmesh daemon",
	Long:  `Start the podmesh daemon with the configured overlay and storage.`,
	RunE:  runDaemon,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize podmesh configuration",
	Long:  `Initialize the podmesh configuration, data directory, and service key.`,
	RunE:  runInit,
}

var hashCmd = &cobra.Command{
	Use:   "hash <file>",
	Short: "Print the content hash of a file",
	Args:  cobra.ExactArgs(1),
	RunE:  runHash,
}

var notarizeCmd = &cobra.Command{
	Use:   "notarize <file>",
	Short: "Anchor a file's content hash on chain",
	Long: `Hash the file, build and sign an attestation transaction at the
service key's expense, and deliver it to the configured notary or publish
an announcement into the discovery overlay.`,
	Args: cobra.ExactArgs(1),
	RunE: runNotarize,
}

var verifyCmd = &cobra.Command{
	Use:   "verify <txid> <file>",
	Short: "Verify an on-chain attestation against a file",
	Args:  cobra.ExactArgs(2),
	RunE:  runVerify,
}

var (
	configPath   string
	debug        bool
	resourceID   string
	resourceType string
	overlayTopic string
	metaTitle    string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	notarizeCmd.Flags().StringVar(&resourceID, "resource", "", "resource identifier (defaults to the file name)")
	notarizeCmd.Flags().StringVar(&resourceType, "type", string(overlay.ResourcePod), "resource type")
	notarizeCmd.Flags().StringVar(&overlayTopic, "topic", "", "publish to this overlay topic instead of the notary")
	notarizeCmd.Flags().StringVar(&metaTitle, "title", "", "announcement title")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(hashCmd)
	rootCmd.AddCommand(notarizeCmd)
	rootCmd.AddCommand(verifyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runInit(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists at %s", path)
	}

	cfg := config.Default()
	if err := config.Save(path, cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	keystore, err := wallet.NewKeystore(cfg.Wallet.KeyPath)
	if err != nil {
		return fmt.Errorf("failed to create keystore: %w", err)
	}
	signer, err := wallet.NewServiceSigner(keystore, cfg.Wallet.FeePerKB)
	if err != nil {
		return err
	}
	identityKey, err := signer.IdentityKey(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("Config written to %s\n", path)
	fmt.Printf("Service identity key: %s\n", identityKey)
	return nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store, err := storage.NewRecordStore(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	keystore, err := wallet.NewKeystore(cfg.Wallet.KeyPath)
	if err != nil {
		return err
	}
	signer, err := wallet.NewServiceSigner(keystore, cfg.Wallet.FeePerKB)
	if err != nil {
		return err
	}

	lookup, err := chain.NewLookup(chain.LookupConfig{
		BaseURL: cfg.Chain.LookupURL,
		Timeout: parseDuration(cfg.Chain.Timeout, 5*time.Second),
	})
	if err != nil {
		return err
	}

	client, err := buildOverlay(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	// Watch general discovery so operators see what the overlay carries.
	cancelMonitor, err := client.MonitorTopic(ctx, overlay.GeneralDiscoveryTopic, func(r overlay.Resource) {
		log.Infof("discovery: %s (%s) tx=%s", r.ResourceID, r.ResourceType, r.TransactionID)
	})
	if err != nil {
		return err
	}
	defer cancelMonitor()

	deliver, err := payment.NewDirectDelivery(payment.DeliveryConfig{
		Endpoint: cfg.Delivery.NotaryURL,
		Timeout:  parseDuration(cfg.Delivery.Timeout, 5*time.Second),
	})
	if err != nil {
		return err
	}
	paymentEngine := payment.NewEngine(signer, deliver, lookup, lookup, lookup,
		payment.WithGrantStore(store),
		payment.WithDerivationPrefix(cfg.Payment.DerivationPrefix),
		payment.WithMaxDeliveryAttempts(cfg.Delivery.MaxAttempts))

	identityKey, err := signer.IdentityKey(ctx)
	if err != nil {
		return err
	}
	log.Infof("podmesh daemon up, identity %s, overlay mode %s", identityKey, cfg.Overlay.Mode)

	gcInterval := parseDuration(cfg.Storage.GCInterval, time.Hour)
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			paymentEngine.PruneExpired()
			if _, err := store.PruneExpiredGrants(ctx, time.Now()); err != nil {
				log.Warnf("grant GC failed: %v", err)
			}
		case sig := <-sigCh:
			log.Infof("received %s, shutting down", sig)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func runHash(cmd *cobra.Command, args []string) error {
	content, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	fmt.Println(attest.CalculateContentHash(content))
	return nil
}

func runNotarize(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	content, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	rt, err := overlay.ParseResourceType(resourceType)
	if err != nil {
		return err
	}
	id := resourceID
	if id == "" {
		id = args[0]
	}

	keystore, err := wallet.NewKeystore(cfg.Wallet.KeyPath)
	if err != nil {
		return err
	}
	signer, err := wallet.NewServiceSigner(keystore, cfg.Wallet.FeePerKB)
	if err != nil {
		return err
	}

	req := attest.Request{
		ResourceID:   id,
		ResourceType: rt,
		ContentHash:  attest.CalculateContentHash(content),
	}
	if metaTitle != "" {
		req.Metadata = map[string]string{"title": metaTitle}
	}

	opts := []attest.Option{}
	if overlayTopic != "" {
		client, err := buildOverlay(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer client.Close()
		opts = append(opts, attest.WithOverlay(client))
		req.Delivery = attest.DeliverOverlay
		req.Topic = overlayTopic
	} else {
		notary, err := attest.NewNotaryClient(attest.NotaryConfig{
			Endpoint: cfg.Delivery.NotaryURL,
			Timeout:  parseDuration(cfg.Delivery.Timeout, 5*time.Second),
		})
		if err != nil {
			return err
		}
		opts = append(opts, attest.WithNotary(notary),
			attest.WithMaxSubmitAttempts(cfg.Delivery.MaxAttempts))
	}

	record, err := attest.NewEngine(signer, opts...).NotarizeResource(cmd.Context(), req)
	if err != nil {
		return err
	}

	fmt.Printf("Content hash: %s\n", record.ContentHash)
	fmt.Printf("Transaction:  %s\n", record.TransactionID)
	fmt.Printf("Status:       %s\n", record.Status)
	return nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	content, err := os.ReadFile(args[1])
	if err != nil {
		return err
	}
	hash := attest.CalculateContentHash(content)

	lookup, err := chain.NewLookup(chain.LookupConfig{
		BaseURL: cfg.Chain.LookupURL,
		Timeout: parseDuration(cfg.Chain.Timeout, 5*time.Second),
	})
	if err != nil {
		return err
	}

	keystore, err := wallet.NewKeystore(cfg.Wallet.KeyPath)
	if err != nil {
		return err
	}
	signer, err := wallet.NewServiceSigner(keystore, cfg.Wallet.FeePerKB)
	if err != nil {
		return err
	}

	engine := attest.NewEngine(signer, attest.WithChainSources(lookup, lookup, lookup))
	if engine.VerifyNotarization(cmd.Context(), args[0], hash) {
		fmt.Println("VERIFIED: the file's hash is attested in a mined block")
		return nil
	}
	fmt.Println("NOT VERIFIED: no mined attestation matches this file")
	os.Exit(1)
	return nil
}

// buildOverlay wires the overlay client for the configured mode.
func buildOverlay(ctx context.Context, cfg *config.Config) (*overlay.Client, error) {
	switch cfg.Overlay.Mode {
	case "index":
		node, err := overlay.NewIndexClient(overlay.IndexConfig{BaseURL: cfg.Overlay.IndexURL})
		if err != nil {
			return nil, err
		}
		return overlay.NewClient(node, nil), nil
	case "gossip":
		transport, err := overlay.NewGossipTransport(ctx, overlay.GossipConfig{
			Listen:    cfg.Overlay.Listen,
			Bootstrap: cfg.Overlay.Bootstrap,
			MaxConns:  cfg.Overlay.MaxConns,
		})
		if err != nil {
			return nil, err
		}
		return overlay.NewClient(overlay.NewMemoryNode(), transport), nil
	default:
		return overlay.NewClient(overlay.NewMemoryNode(), nil), nil
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		log.Warnf("invalid duration %q, using %s", s, fallback)
		return fallback
	}
	return d
}
