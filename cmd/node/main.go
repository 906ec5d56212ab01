package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/spf13/cobra"

	"github.com/modelmesh/distributor/internal/api"
	"github.com/modelmesh/distributor/internal/config"
	"github.com/modelmesh/distributor/internal/node"
	"github.com/modelmesh/distributor/internal/p2p"
	"github.com/modelmesh/distributor/internal/store"
	"github.com/modelmesh/distributor/internal/transfer"
)

var cfgFile string

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	rootCmd := &cobra.Command{
		Use:   "node",
		Short: "ModelMesh worker node",
		Long:  `A worker node that receives encrypted model blocks from the admin node and serves them within its network.`,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.toml)")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(blocksCmd())
	rootCmd.AddCommand(drainCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		cfgFile = "config.toml"
	}
	return config.Load(cfgFile)
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a new worker node",
		Long:  `Initialize a worker node by creating its data directory and registering with the admin node.`,
		RunE:  runInit,
	}

	cmd.Flags().String("name", "", "Node name (required)")
	cmd.Flags().String("admin-url", "http://localhost:8080", "Admin node API URL")
	cmd.Flags().String("network", "", "Network ID this node serves (required)")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("network")

	return cmd
}

func runInit(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("name")
	adminURL, _ := cmd.Flags().GetString("admin-url")
	networkID, _ := cmd.Flags().GetString("network")

	cfg := config.DefaultConfig()
	cfg.Node.Name = name
	cfg.Node.AdminURL = adminURL
	cfg.Node.NetworkID = networkID

	if err := os.MkdirAll(cfg.Node.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := store.NewNodeDB(cfg.Node.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	migrationsPath := "./node-migrations"
	if err := db.Migrate(migrationsPath); err != nil {
		log.Warn().Err(err).Msg("migrations failed")
	}

	// The identity key minted here is reused on every start, so the peer
	// ID registered below stays valid.
	identity, err := p2p.LoadOrCreateIdentity(cfg.Node.IdentityKeyPath())
	if err != nil {
		return fmt.Errorf("failed to create node identity: %w", err)
	}
	p2pNode, err := p2p.NewNode(nil, nil, identity)
	if err != nil {
		return fmt.Errorf("failed to create p2p node: %w", err)
	}
	if err := p2pNode.Start(); err != nil {
		return fmt.Errorf("failed to start p2p node: %w", err)
	}
	peerID := p2pNode.IDString()
	addrs := p2pNode.Addrs()
	p2pNode.Close()

	address := ""
	if len(addrs) > 0 {
		address = addrs[0]
	}

	client := api.NewAdminClient(adminURL, "", "")
	result, err := client.Register(name, peerID, address, networkID)
	if err != nil {
		return fmt.Errorf("failed to register with admin node: %w", err)
	}

	cfg.Node.APIKey = result.APIKey
	cfg.Node.PeerID = peerID

	if err := cfg.Save(cfgFilePath()); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Printf("Worker node initialized\n")
	fmt.Printf("Node ID: %s\n", result.NodeID)
	fmt.Printf("Peer ID: %s\n", peerID)

	return nil
}

func cfgFilePath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return "config.toml"
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the worker node",
		Long:  `Start the worker node: receive model blocks over p2p and heartbeat to the admin node.`,
		RunE:  runStart,
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	db, err := store.NewNodeDB(cfg.Node.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	identity, err := p2p.LoadOrCreateIdentity(cfg.Node.IdentityKeyPath())
	if err != nil {
		return fmt.Errorf("failed to load node identity: %w", err)
	}
	p2pNode, err := p2p.NewNode(cfg.P2P.ListenAddresses, cfg.P2P.BootstrapPeers, identity)
	if err != nil {
		return fmt.Errorf("failed to create p2p node: %w", err)
	}
	if err := p2pNode.Start(); err != nil {
		return fmt.Errorf("failed to start p2p node: %w", err)
	}
	defer p2pNode.Close()

	if cfg.Node.PeerID != "" && cfg.Node.PeerID != p2pNode.IDString() {
		log.Warn().
			Str("registered", cfg.Node.PeerID).
			Str("current", p2pNode.IDString()).
			Msg("peer id differs from the registered one, re-run init")
	}

	client := api.NewAdminClient(cfg.Node.AdminURL, p2pNode.IDString(), cfg.Node.APIKey)

	// Session keys are fetched from the admin on first use and cached on
	// disk so interrupted transfers resume without a refetch.
	keyStore, err := node.NewFileKeyStore(filepath.Join(cfg.Node.DataDir, "session-keys"))
	if err != nil {
		return err
	}
	keyFor := func(sessionID string) ([]byte, error) {
		if key, err := keyStore.KeyFor(sessionID); err == nil {
			return key, nil
		}
		key, err := client.SessionKey(sessionID)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch session key: %w", err)
		}
		if err := keyStore.Put(sessionID, key); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to cache session key")
		}
		return key, nil
	}
	receiver := node.NewReceiver(db, filepath.Join(cfg.Node.DataDir, "blocks"), keyFor)

	drainMarker := filepath.Join(cfg.Node.DataDir, "DRAIN")
	p2pNode.SetChunkHandler(func(msg *transfer.ChunkMessage) *transfer.Ack {
		if _, err := os.Stat(drainMarker); err == nil {
			return &transfer.Ack{Status: transfer.AckError, Error: "node is draining"}
		}
		return receiver.HandleChunk(msg)
	})

	log.Info().Str("peer_id", p2pNode.IDString()).Msg("worker node started")
	for _, addr := range p2pNode.Addrs() {
		log.Info().Str("addr", addr).Msg("listening")
	}

	stopHeartbeat := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Duration(cfg.Node.HeartbeatSec) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stopHeartbeat:
				return
			case <-ticker.C:
				load := currentLoad()
				start := time.Now()
				if err := client.Heartbeat(0, load); err != nil {
					log.Warn().Err(err).Msg("heartbeat failed")
					continue
				}
				log.Debug().Float64("load", load).Dur("rtt", time.Since(start)).Msg("heartbeat sent")
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	close(stopHeartbeat)

	log.Info().Msg("shutting down worker node")
	return nil
}

// currentLoad samples CPU utilization as the node's load signal.
func currentLoad() float64 {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return 0
	}
	return percents[0] / 100
}

func blocksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blocks",
		Short: "Manage stored model blocks",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all stored blocks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			db, err := store.NewNodeDB(cfg.Node.DatabasePath)
			if err != nil {
				return fmt.Errorf("failed to initialize database: %w", err)
			}
			defer db.Close()

			list, err := db.ListBlocks("")
			if err != nil {
				return fmt.Errorf("failed to list blocks: %w", err)
			}

			count, _ := db.BlockCount()
			total, _ := db.TotalBlockBytes()

			fmt.Printf("Stored blocks (%d total, %d bytes):\n", count, total)
			fmt.Printf("%-40s %-24s %-8s %-12s\n", "BLOCK ID", "MODEL", "INDEX", "SIZE")
			for _, b := range list {
				fmt.Printf("%-40s %-24s %-8d %-12d\n", b.BlockID, b.ModelID, b.BlockIndex, b.SizeBytes)
			}
			return nil
		},
	}

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify stored blocks against their checksums",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			db, err := store.NewNodeDB(cfg.Node.DatabasePath)
			if err != nil {
				return fmt.Errorf("failed to initialize database: %w", err)
			}
			defer db.Close()

			receiver := node.NewReceiver(db, filepath.Join(cfg.Node.DataDir, "blocks"), nil)
			corrupted, err := receiver.VerifyStoredBlocks()
			if err != nil {
				return fmt.Errorf("verification failed: %w", err)
			}
			if len(corrupted) == 0 {
				fmt.Println("All stored blocks verified")
				return nil
			}
			fmt.Printf("Corrupted blocks (%d):\n", len(corrupted))
			for _, id := range corrupted {
				fmt.Println("  " + id)
			}
			return fmt.Errorf("%d corrupted blocks", len(corrupted))
		},
	}

	cmd.AddCommand(listCmd)
	cmd.AddCommand(verifyCmd)
	return cmd
}

func drainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Toggle drain mode (reject new blocks)",
		Long:  `In drain mode the node keeps serving stored blocks but rejects incoming transfers.`,
	}

	onCmd := &cobra.Command{
		Use:   "on",
		Short: "Enable drain mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			marker := filepath.Join(cfg.Node.DataDir, "DRAIN")
			if err := os.WriteFile(marker, []byte(time.Now().Format(time.RFC3339)), 0644); err != nil {
				return fmt.Errorf("failed to enable drain mode: %w", err)
			}
			fmt.Println("Drain mode enabled: incoming transfers will be rejected")
			return nil
		},
	}

	offCmd := &cobra.Command{
		Use:   "off",
		Short: "Disable drain mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			marker := filepath.Join(cfg.Node.DataDir, "DRAIN")
			if err := os.Remove(marker); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to disable drain mode: %w", err)
			}
			fmt.Println("Drain mode disabled")
			return nil
		},
	}

	cmd.AddCommand(onCmd)
	cmd.AddCommand(offCmd)
	return cmd
}
