package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/glowstream/engine/internal/config"
	"github.com/glowstream/engine/internal/engine"
	"github.com/glowstream/engine/internal/logger"
	"github.com/glowstream/engine/internal/signer"
	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/spf13/cobra"
)

var (
	cfgFile string         // Path to custom config file (optional)
	cfg     *config.Config // Global reference to loaded configuration
)

// rootCmd defines the main CLI command for the glowstream engine
var rootCmd = &cobra.Command{
	Use:   "glowstream",
	Short: "Glowstream is a Nostr client protocol engine",
	Long:  `Relay pool, subscription routing, event validation, profile caching, and remote signing for Nostr clients.`,
	Example: `
  glowstream start --log-level debug --metrics-port 9090
  glowstream start --config /path/to/config.yaml
  glowstream bunker --session-file ~/.glowstream/session.json`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}

		var err error
		cfg, err = config.Load(cfgFile, nil)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %v", err)
		}

		// Command line flags override the config file
		flags := cmd.Flags()
		if flags.Changed("log-level") {
			cfg.Logging.Level, _ = flags.GetString("log-level")
			_ = logger.UpdateLevel(cfg.Logging.Level)
		}
		if flags.Changed("metrics-port") {
			portStr, _ := flags.GetString("metrics-port")
			cfg.Metrics.Port, _ = strconv.Atoi(portStr)
		}

		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		if err := cmd.Help(); err != nil {
			fmt.Fprintf(os.Stderr, "Error displaying help: %v\n", err)
		}
	},
}

// Execute runs the root command with the provided context
func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printWelcomeBanner() {
	fmt.Println("   ____ _                   _                            ")
	fmt.Println("  / ___| | _____      _____| |_ _ __ ___  __ _ _ __ ___  ")
	fmt.Println(" | |  _| |/ _ \\ \\ /\\ / / __| __| '__/ _ \\/ _` | '_ ` _ \\ ")
	fmt.Println(" | |_| | | (_) \\ V  V /\\__ \\ |_| | |  __/ (_| | | | | | |")
	fmt.Println("  \\____|_|\\___/ \\_/\\_/ |___/\\__|_|  \\___|\\__,_|_| |_| |_|")
	fmt.Println()
	fmt.Println("Welcome to Glowstream - a Nostr client protocol engine!")
}

func resolveConfigPath(cmd *cobra.Command) {
	cfgFile, _ = cmd.Flags().GetString("config")
	if cfgFile != "" {
		absPath, err := filepath.Abs(cfgFile)
		if err != nil {
			logger.Error("Failed to resolve absolute path for config", zap.Error(err))
			os.Exit(1)
		}
		cfgFile = absPath
	}
	logger.Info("Using config file", zap.String("config_file", cfgFile))
}

func runEngine(ctx context.Context) *engine.Engine {
	logger.Info("Starting engine...")
	eng := engine.New(cfg)

	go func() {
		<-ctx.Done()
		logger.Info("Shutdown signal received, initiating graceful shutdown...")
		eng.Shutdown()
	}()

	if err := eng.Start(ctx); err != nil {
		logger.Error("Failed to start the engine", zap.Error(err))
		os.Exit(1)
	}
	return eng
}

// init is automatically called before main(), sets up flags and subcommands
func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to custom config file (optional)")
	rootCmd.PersistentFlags().String("log-level", "info", "Logging level (debug, info, warn, error, fatal)")
	rootCmd.PersistentFlags().String("metrics-port", "8181", "Port for Prometheus metrics server")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number of glowstream",
		Long:  "Print the version number of glowstream along with build information",
		Run: func(cmd *cobra.Command, args []string) {
			if detailed, _ := cmd.Flags().GetBool("detailed"); detailed {
				fmt.Println(GetFullVersionInfo())
			} else {
				fmt.Println(GetVersionWithPrefix())
			}
		},
	})
	versionCmd := rootCmd.Commands()[len(rootCmd.Commands())-1]
	versionCmd.Flags().BoolP("detailed", "d", false, "Show detailed version information")

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the engine headless",
		Long:  "Connect to the configured relays and run the startup subscriptions until interrupted",
		Run: func(cmd *cobra.Command, args []string) {
			printWelcomeBanner()
			resolveConfigPath(cmd)
			runEngine(cmd.Context())
			logger.Info("Glowstream engine started successfully!")
		},
	}
	rootCmd.AddCommand(startCmd)

	bunkerCmd := &cobra.Command{
		Use:   "bunker",
		Short: "Pair with a remote signer",
		Long:  "Start the engine, open a remote signer session, and print the connection URI as a QR code",
		Run: func(cmd *cobra.Command, args []string) {
			printWelcomeBanner()
			resolveConfigPath(cmd)
			if relay, _ := cmd.Flags().GetString("relay"); relay != "" {
				cfg.Bunker.DefaultRelay = relay
			}
			ctx := cmd.Context()
			eng := runEngine(ctx)

			sessionFile, _ := cmd.Flags().GetString("session-file")

			// Resume a stored session when one exists
			if sessionFile != "" {
				if data, err := os.ReadFile(sessionFile); err == nil {
					var rec signer.Record
					if err := json.Unmarshal(data, &rec); err == nil {
						if _, err := eng.RestoreBunkerSession(rec); err == nil {
							logger.Info("Resumed stored signer session",
								zap.String("user_pubkey", rec.UserPubKey))
							return
						}
						logger.Warn("Stored session could not be resumed, starting fresh")
					}
				}
			}

			uri, _, err := eng.StartBunkerSession(ctx, func(rec signer.Record) {
				if sessionFile == "" {
					return
				}
				data, err := json.Marshal(rec)
				if err != nil {
					return
				}
				// Session records carry the client secret key
				if err := os.WriteFile(sessionFile, data, 0o600); err != nil {
					logger.Error("Failed to persist session record", zap.Error(err))
					return
				}
				logger.Info("Session record saved", zap.String("path", sessionFile))
			})
			if err != nil {
				logger.Error("Failed to start signer session", zap.Error(err))
				os.Exit(1)
			}

			qr, err := qrcode.New(uri, qrcode.Medium)
			if err != nil {
				logger.Error("Failed to render QR code", zap.Error(err))
			} else {
				fmt.Println(qr.ToSmallString(false))
			}
			fmt.Println("Scan with your signer, or paste the URI:")
			fmt.Println(uri)
		},
	}
	bunkerCmd.Flags().String("session-file", "", "Path for persisting the signer session record")
	bunkerCmd.Flags().String("relay", "", "Relay URL for the signer channel (overrides config)")
	rootCmd.AddCommand(bunkerCmd)
}
