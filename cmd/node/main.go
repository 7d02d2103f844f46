package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Klein241/bufferwave/internal/client"
	"github.com/Klein241/bufferwave/internal/config"
	"github.com/Klein241/bufferwave/internal/engine"
	"github.com/Klein241/bufferwave/internal/forwarder"
	"github.com/Klein241/bufferwave/internal/identity"
	"github.com/Klein241/bufferwave/internal/localqueue"
	"github.com/Klein241/bufferwave/internal/logging"
	"github.com/Klein241/bufferwave/internal/relay"
	"github.com/Klein241/bufferwave/internal/services"
	"github.com/Klein241/bufferwave/internal/tunnel"
	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "bufferwave-node",
		Short: "BufferWave node - cooperative relay and DTN agent",
		Long:  `A BufferWave device agent. An isolated node routes its traffic through a relay when it can and stores it for later when it cannot; a relay node carries traffic for isolated nodes.`,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.toml", "config file")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(statusCmd())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func loadConfig() (*config.NodeConfig, error) {
	cfg, err := config.LoadNode(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.ApplyEnv()
	return cfg, nil
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a new node",
		Long:  `Initialize a new node by writing its configuration and generating its key pair.`,
		RunE:  runInit,
	}

	cmd.Flags().String("user-id", "", "User id announced to the broker (required)")
	cmd.Flags().String("role", config.RoleIsolated, "Node role: isolated or relay")
	cmd.Flags().String("broker-url", "http://localhost:3000", "Broker URL")
	cmd.Flags().String("country", "", "Country code")
	cmd.Flags().String("family-group", "", "Family group tag")
	cmd.Flags().Float64("bandwidth", 5, "Advertised bandwidth in Mbps")
	cmd.Flags().String("queue", config.QueueSQLite, "Local queue backend: sqlite or json")
	cmd.MarkFlagRequired("user-id")

	return cmd
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg := config.DefaultNodeConfig()
	cfg.Node.UserID, _ = cmd.Flags().GetString("user-id")
	cfg.Node.Role, _ = cmd.Flags().GetString("role")
	cfg.Broker.URL, _ = cmd.Flags().GetString("broker-url")
	cfg.Node.FamilyGroup, _ = cmd.Flags().GetString("family-group")
	cfg.Node.BandwidthMbps, _ = cmd.Flags().GetFloat64("bandwidth")
	cfg.Queue.Backend, _ = cmd.Flags().GetString("queue")
	if country, _ := cmd.Flags().GetString("country"); country != "" {
		cfg.Node.Country = country
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	id, created, err := identity.LoadOrGenerate(cfg.KeyPath())
	if err != nil {
		return err
	}
	publicKey, err := id.PublicKey()
	if err != nil {
		return err
	}
	peerID, err := id.PeerID()
	if err != nil {
		return err
	}
	cfg.Node.PublicKey = publicKey

	if err := cfg.Save(cfgFile); err != nil {
		return err
	}

	fmt.Printf("Node initialized successfully!\n")
	fmt.Printf("User ID: %s\n", cfg.Node.UserID)
	fmt.Printf("Role:    %s\n", cfg.Node.Role)
	fmt.Printf("Peer ID: %s\n", peerID)
	if !created {
		fmt.Printf("Existing key kept: %s\n", cfg.KeyPath())
	}
	fmt.Printf("Config saved to: %s\n", cfgFile)

	return nil
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the node",
		Long:  `Start the node in its configured role.`,
		RunE:  runStart,
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Node.PublicKey == "" {
		id, _, err := identity.LoadOrGenerate(cfg.KeyPath())
		if err != nil {
			return err
		}
		if cfg.Node.PublicKey, err = id.PublicKey(); err != nil {
			return err
		}
	}

	api := client.NewBrokerClient(cfg.Broker.URL, cfg.Broker.Timeout())
	bw := cfg.Node.BandwidthMbps
	registration := services.RegisterRequest{
		UserID:        cfg.Node.UserID,
		Country:       cfg.Node.Country,
		BandwidthMbps: &bw,
		PublicKey:     cfg.Node.PublicKey,
		FamilyGroup:   cfg.Node.FamilyGroup,
	}

	logger.Info("starting node",
		zap.String("user_id", cfg.Node.UserID),
		zap.String("role", cfg.Node.Role),
		zap.String("broker", cfg.Broker.URL))

	if cfg.Node.Role == config.RoleRelay {
		err = runRelay(ctx, cfg, api, registration, logger)
	} else {
		err = runIsolated(ctx, cfg, api, registration, logger)
	}
	if err != nil {
		return err
	}

	logger.Info("shutting down node")
	disconnectCtx, cancel := context.WithTimeout(context.Background(), cfg.Broker.Timeout())
	defer cancel()
	if err := api.Disconnect(disconnectCtx, cfg.Node.UserID); err != nil {
		logger.Debug("disconnect not delivered", zap.Error(err))
	}
	return nil
}

func runIsolated(ctx context.Context, cfg *config.NodeConfig, api *client.BrokerClient, registration services.RegisterRequest, logger *zap.Logger) (err error) {
	queue, err := localqueue.Open(cfg.Queue.Backend, cfg.QueuePath(), clock.New())
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, queue.Close())
	}()

	dial := func(ctx context.Context) (*client.TunnelClient, error) {
		return client.DialTunnel(ctx, cfg.Broker.URL, client.TunnelOptions{
			UserID: cfg.Node.UserID,
			Role:   tunnel.RoleClient,
		}, logger)
	}
	e := engine.New(api, dial, queue, clock.New(), engine.Options{
		UserID:           cfg.Node.UserID,
		Profile:          relay.Profile{Country: cfg.Node.Country, FamilyGroup: cfg.Node.FamilyGroup},
		Registration:     registration,
		ProxyAddr:        cfg.ProxyAddr(),
		ProbeInterval:    cfg.Probe.Interval(),
		ProbeTimeout:     cfg.Probe.Timeout(),
		HandshakeTimeout: cfg.Relay.HandshakeTimeout(),
	}, logger)

	if size, sizeErr := queue.Size(ctx); sizeErr == nil {
		logger.Info("local DTN queue loaded", zap.Int("pending", size))
	}
	return e.Run(ctx)
}

func runRelay(ctx context.Context, cfg *config.NodeConfig, api *client.BrokerClient, registration services.RegisterRequest, logger *zap.Logger) error {
	fwd := forwarder.New(cfg.Node.UserID, nil, forwarder.Options{
		DialTimeout: cfg.Relay.DialTimeout(),
	}, logger)

	dial := func(ctx context.Context, onForward client.ForwardHandler) (*client.TunnelClient, error) {
		return client.DialTunnel(ctx, cfg.Broker.URL, client.TunnelOptions{
			UserID:    cfg.Node.UserID,
			Role:      tunnel.RoleRelay,
			OnForward: onForward,
		}, logger)
	}
	agent := forwarder.NewAgent(api, dial, fwd, clock.New(), forwarder.AgentOptions{
		Registration:      registration,
		HeartbeatInterval: cfg.Heartbeat.Interval(),
		ReportInterval:    cfg.Relay.ReportInterval(),
		MinReportBytes:    cfg.Relay.MinReportBytes,
	}, logger)

	err := agent.Run(ctx)
	logger.Info("relay stopped", zap.Int64("bytes_relayed", fwd.Relayed()))
	return err
}

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Manage the local DTN queue",
		Long:  `List and redeliver requests held in the local DTN queue.`,
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List every entry of the local queue",
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			queue, err := localqueue.Open(cfg.Queue.Backend, cfg.QueuePath(), nil)
			if err != nil {
				return err
			}
			defer func() {
				err = multierr.Append(err, queue.Close())
			}()

			entries, err := queue.All(cmd.Context())
			if err != nil {
				return err
			}
			pending, err := queue.Size(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Printf("Local DTN queue (%d entries, %d pending):\n", len(entries), pending)
			fmt.Printf("%-36s %-10s %-14s %-10s %-8s %-8s\n", "ID", "STATUS", "TYPE", "TO", "TRIES", "BYTES")
			for _, m := range entries {
				fmt.Printf("%-36s %-10s %-14s %-10s %-8d %-8d\n", m.ID, m.Status, m.Type, m.ToUser, m.Attempts, len(m.Payload))
			}
			return nil
		},
	}

	flushCmd := &cobra.Command{
		Use:   "flush",
		Short: "Try to hand every pending entry to the broker now",
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			defer logger.Sync()

			queue, err := localqueue.Open(cfg.Queue.Backend, cfg.QueuePath(), nil)
			if err != nil {
				return err
			}
			defer func() {
				err = multierr.Append(err, queue.Close())
			}()

			api := client.NewBrokerClient(cfg.Broker.URL, cfg.Broker.Timeout())
			result, err := engine.Drain(cmd.Context(), queue, api, nil, logger)
			fmt.Printf("Attempted: %d, delivered: %d, failed: %d\n", result.Attempted, result.Delivered, result.Failed)
			return err
		},
	}

	cmd.AddCommand(listCmd, flushCmd)
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the broker status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			status, err := client.NewBrokerClient(cfg.Broker.URL, cfg.Broker.Timeout()).Status(ctx)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(status, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode status: %w", err)
			}
			fmt.Println(string(out))
			return nil
		},
	}
}
