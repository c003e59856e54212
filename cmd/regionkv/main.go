package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"regionkv/internal/config"
	"regionkv/internal/logging"
	"regionkv/internal/node"
)

type nodeOptions struct {
	configPath string
	nodeID     string
	listen     string
	httpAddr   string
	peers      string
	provider   string
}

var nodeFlags nodeOptions

var rootCmd = &cobra.Command{
	Use:          "regionkv",
	Short:        "replicated and partitioned in-memory regions",
	SilenceUsage: true,
}

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "run a cluster member",
	Long: `
Run a cluster member. Settings come from the YAML file given by --config;
the remaining flags override it.
`,
	Args: cobra.NoArgs,
	RunE: runNode,
}

func init() {
	f := nodeCmd.Flags()
	f.StringVar(&nodeFlags.configPath, "config", "regionkv.yaml", "path to the YAML config")
	f.StringVar(&nodeFlags.nodeID, "node-id", "", "member id")
	f.StringVar(&nodeFlags.listen, "listen", "", "replication listen address")
	f.StringVar(&nodeFlags.httpAddr, "http", "", "client HTTP listen address")
	f.StringVar(&nodeFlags.peers, "peers", "", "peers as id=host:port,...")
	f.StringVar(&nodeFlags.provider, "membership", "", "membership provider: static, gossip or zookeeper")
	rootCmd.AddCommand(nodeCmd)
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(nodeFlags.configPath)
	if err != nil {
		return cfg, err
	}
	if nodeFlags.nodeID != "" {
		cfg.Node.ID = nodeFlags.nodeID
	}
	if nodeFlags.listen != "" {
		cfg.Node.ListenAddr = nodeFlags.listen
	}
	if nodeFlags.httpAddr != "" {
		cfg.Node.HTTPAddr = nodeFlags.httpAddr
	}
	if nodeFlags.peers != "" {
		peers, err := config.ParsePeers(nodeFlags.peers)
		if err != nil {
			return cfg, err
		}
		cfg.Node.Peers = peers
	}
	if nodeFlags.provider != "" {
		cfg.Membership.Provider = nodeFlags.provider
	}
	return cfg, cfg.Validate()
}

func runNode(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	root, err := logging.New(cfg.Logging, os.Stderr)
	if err != nil {
		return err
	}
	logger := logging.ForNode(root, cfg.Node.ID)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := node.NewNode(cfg, logger)
	if err != nil {
		return err
	}
	if err := n.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	n.Stop()
	return nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
