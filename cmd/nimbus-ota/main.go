package main

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cuemby/nimbus-ota/pkg/bootloader"
	"github.com/cuemby/nimbus-ota/pkg/campaign"
	"github.com/cuemby/nimbus-ota/pkg/config"
	"github.com/cuemby/nimbus-ota/pkg/events"
	"github.com/cuemby/nimbus-ota/pkg/fetcher"
	"github.com/cuemby/nimbus-ota/pkg/log"
	"github.com/cuemby/nimbus-ota/pkg/orchestrator"
	"github.com/cuemby/nimbus-ota/pkg/pacman"
	"github.com/cuemby/nimbus-ota/pkg/secondary"
	"github.com/cuemby/nimbus-ota/pkg/store"
	"github.com/cuemby/nimbus-ota/pkg/types"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nimbus-ota",
	Short: "nimbus-ota - Uptane-secured OTA update client",
	Long: `nimbus-ota is the primary-ECU agent that speaks the Uptane
update framework: it verifies Director and Images repository metadata,
downloads and installs target images, fans update traffic out to
attached secondary ECUs, and reports a signed vehicle manifest back to
the Director.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("nimbus-ota version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("config", "/etc/nimbus-ota/config.yaml", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().String("data-dir", "/var/lib/nimbus-ota", "Directory for filesystem-backed storage")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(migrateCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

// openStore builds the configured Store backend: the filesystem backend is
// rooted at storage.path (data-dir when storage.path is empty), and the
// boltdb backend the "sqlite" selector maps to opens storage.path/nimbus.db.
func openStore(cmd *cobra.Command, cfg *config.Config) (store.Store, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	switch cfg.Storage.Type {
	case "sqlite":
		return store.NewBoltStore(cfg.Storage.Path)
	default:
		root := cfg.Storage.Path
		if root == "" {
			root = dataDir
		}
		return store.NewFSStore(root)
	}
}

func openPackageManager(cfg *config.Config) pacman.PackageManager {
	switch cfg.Pacman.Type {
	case "ostree":
		return pacman.NewOSTree(cfg.Pacman.Sysroot, cfg.Pacman.OstreeServer)
	case "binary":
		return pacman.NewBinary(cfg.Pacman.Sysroot)
	default:
		return pacman.NewNone()
	}
}

func buildOrchestrator(cmd *cobra.Command) (*orchestrator.Orchestrator, *config.Config, store.Store, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	st, err := openStore(cmd, cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open store: %w", err)
	}

	pub, priv, ok, err := st.LoadPrimaryKeys()
	if err != nil {
		st.Close()
		return nil, nil, nil, fmt.Errorf("load primary keys: %w", err)
	}
	if !ok {
		st.Close()
		return nil, nil, nil, fmt.Errorf("device is not provisioned: no primary keys in store")
	}
	var primaryPub types.PublicKey
	if err := json.Unmarshal(pub, &primaryPub); err != nil {
		st.Close()
		return nil, nil, nil, fmt.Errorf("decode primary public key: %w", err)
	}

	ecus, err := st.LoadEcuSerials()
	if err != nil {
		st.Close()
		return nil, nil, nil, fmt.Errorf("load ecu roster: %w", err)
	}
	var primarySerial types.EcuSerial
	var primaryHwID types.HardwareIdentifier
	for _, ecu := range ecus {
		if ecu.IsPrimary {
			primarySerial, primaryHwID = ecu.Serial, ecu.HwID
			break
		}
	}

	f := fetcher.New(cfg.DirectorServer, cfg.RepoServer)
	broker := events.NewBroker()
	broker.Start()

	orch := orchestrator.New(orchestrator.Config{
		PrimarySerial: primarySerial,
		PrimaryHwID:   primaryHwID,
		PrimaryPriv:   ed25519.PrivateKey(priv),
		PrimaryKeyID:  primaryPub.KeyID,
		PrimaryMethod: types.MethodEd25519,

		PackageManager: openPackageManager(cfg),
		Store:          st,
		Fetcher:        f,
		Bus:            &secondary.Bus{},
		Broker:         broker,
		Bootloader:     bootloader.NewNoOp(),

		PollingInterval:           cfg.PollingInterval(),
		ContinueOnMetadataFailure: cfg.Orchestrator.ContinueOnMetadataFailure,
	})
	return orch, cfg, st, nil
}

// pollCampaigns checks the campaigner endpoint on the same cadence as the
// update loop and auto-accepts any campaign the server marked AutoAccept.
// Campaigns requiring manual acceptance are only logged; nothing in this
// module exposes an operator-facing accept/decline surface yet.
func pollCampaigns(ctx context.Context, client *campaign.Client, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			campaigns, err := client.ListCampaigns(ctx)
			if err != nil {
				log.Logger.Warn().Err(err).Msg("campaign list failed")
				continue
			}
			for _, c := range campaigns {
				if !c.AutoAccept {
					log.Logger.Info().Str("campaign", c.ID).Str("name", c.Name).Msg("campaign awaiting manual acceptance")
					continue
				}
				if err := client.AcceptCampaign(ctx, c.ID); err != nil {
					log.Logger.Warn().Err(err).Str("campaign", c.ID).Msg("campaign auto-accept failed")
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the update loop continuously, polling on the configured interval",
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, cfg, st, err := buildOrchestrator(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		orch.Start(ctx)

		if cfg.PollingInterval() > 0 {
			go pollCampaigns(ctx, campaign.New(cfg.RepoServer), cfg.PollingInterval())
		}

		fmt.Printf("nimbus-ota daemon running, polling every %s. Press Ctrl+C to stop.\n", cfg.PollingInterval())

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down...")
		orch.Stop()
		fmt.Println("shutdown complete")
		return nil
	},
}

var installCmd = &cobra.Command{
	Use:   "install [targets.json]",
	Short: "Run a single check-for-updates cycle, then install the targets in targets.json if given",
	Long: `install fetches and verifies metadata once. If targets.json is given as
a literal Director Targets array, it then installs exactly those targets.
Without targets.json, new targets are downloaded and verified but not
installed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, _, st, err := buildOrchestrator(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		var targets []types.Target
		if len(args) == 1 {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read targets file: %w", err)
			}
			if err := json.Unmarshal(data, &targets); err != nil {
				return fmt.Errorf("parse targets file: %w", err)
			}
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		orch.Start(ctx)
		defer orch.Stop()

		if err := orch.CheckForUpdates(); err != nil {
			return fmt.Errorf("check for updates: %w", err)
		}
		if len(args) == 1 {
			return orch.Install(targets)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the device's provisioning state and installed-version log",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		st, err := openStore(cmd, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		provisioned, err := st.IsProvisioned()
		if err != nil {
			return err
		}
		fmt.Printf("provisioned: %t\n", provisioned)

		versions, err := st.LoadInstalledVersions()
		if err != nil {
			return err
		}
		fmt.Printf("installed versions: %d\n", len(versions))
		for _, v := range versions {
			fmt.Printf("  %s -> %s (installed %s)\n", v.EcuSerial, v.TargetFilename, v.InstalledAt.Format(time.RFC3339))
		}
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate a filesystem-backed store into the boltdb backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.Storage.Type != "sqlite" {
			return fmt.Errorf("migrate only applies when storage.type is sqlite (boltdb); config has %q", cfg.Storage.Type)
		}
		boltPath := filepath.Join(cfg.Storage.Path, "nimbus.db")
		if err := store.MigrateFilesystemToDB(dataDir, boltPath); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		fmt.Println("migration complete")
		return nil
	},
}
