// ============================================================================
// meshctl CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for the controller and its local tooling
//
// Command Structure:
//   meshctl                        # Root command
//   ├── run                        # Start the controller loop
//   ├── status                     # One-line status from a running controller
//   ├── send <command>             # Send one relay command, print the reply
//   ├── health                     # Query the gRPC health service
//   │   └── --node                 # Check one node instead of the controller
//   ├── migrate up|down|version    # Manage the PostgreSQL schema
//   ├── --config, -c               # Config file (default: configs/meshctl.yaml)
//   └── --version
//
// Client commands (status, send) talk to the relay socket, the same path
// the dashboard uses. --addr overrides the relay address from the config.
//
// Examples:
//   ./meshctl run -c configs/meshctl.yaml
//   ./meshctl send TurnOffAC
//   ./meshctl send setTemps:80,70
//   ./meshctl health --node 1
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/ChuLiYu/meshctl/internal/config"
	"github.com/ChuLiYu/meshctl/internal/relay"
	"github.com/ChuLiYu/meshctl/internal/server"
	"github.com/ChuLiYu/meshctl/internal/store"
	"github.com/ChuLiYu/meshctl/pkg/types"
)

const defaultConfigPath = "configs/meshctl.yaml"

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "meshctl",
		Short: "meshctl: controller for the AC relay and temperature sensor mesh",
		Long: `meshctl runs the mesh controller:
- AC relay and temperature/LCD nodes over the radio bridge
- local relay socket for the dashboard
- safety shutoff when temperature reports stop`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigPath, "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildSendCommand())
	rootCmd.AddCommand(buildHealthCommand())
	rootCmd.AddCommand(buildMigrateCommand())

	return rootCmd
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// relayAddr returns the --addr flag, falling back to the config file.
func relayAddr(addr string) (string, error) {
	if addr != "" {
		return addr, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.Relay.Addr, nil
}

// ============================================================================
// status / send
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var addr string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show controller status",
		Long:  "Ask a running controller for temperature, AC state, thresholds, permission and node status",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := relayAddr(addr)
			if err != nil {
				return err
			}
			line, err := requestRelay(cmd.Context(), target, "status", timeout)
			if err != nil {
				return err
			}
			fields, err := parseStatusLine(line)
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), fields)
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "relay address (default from config)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "reply timeout")
	return cmd
}

func buildSendCommand() *cobra.Command {
	var addr string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "send <command>",
		Short: "Send one relay command",
		Long: `Send one command to the controller and print its reply.

Commands: status, AC_Status, AC_Perm_Status, ToggleAC, TurnOnAC, TurnOffAC,
getTemps, setTemps:<max>,<min>, ResetNode, current_temp, setBrightness:<0-100>`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := relayAddr(addr)
			if err != nil {
				return err
			}
			reply, err := requestRelay(cmd.Context(), target, args[0], timeout)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), reply)
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "relay address (default from config)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "reply timeout")
	return cmd
}

// requestRelay sends one command and waits for its reply line.
func requestRelay(ctx context.Context, addr, command string, timeout time.Duration) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c, err := relay.Dial(dialCtx, addr)
	if err != nil {
		return "", err
	}
	defer c.Close()

	return c.Request(command, timeout)
}

// parseStatusLine splits "status:temp=..,ac=..,...,nodes=a=b;c=d" into
// key/value pairs, keeping their order.
func parseStatusLine(line string) ([][2]string, error) {
	body, ok := strings.CutPrefix(line, "status:")
	if !ok {
		return nil, fmt.Errorf("unexpected status reply: %q", line)
	}

	var fields [][2]string
	for _, part := range strings.Split(body, ",") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("malformed status field: %q", part)
		}
		fields = append(fields, [2]string{k, v})
	}
	return fields, nil
}

func printStatus(w io.Writer, fields [][2]string) {
	fmt.Fprintln(w, "meshctl status")
	for _, f := range fields {
		if f[0] != "nodes" {
			fmt.Fprintf(w, "  %-6s %s\n", f[0]+":", f[1])
			continue
		}
		fmt.Fprintln(w, "  nodes:")
		for _, n := range strings.Split(f[1], ";") {
			name, status, _ := strings.Cut(n, "=")
			fmt.Fprintf(w, "    └─ %-10s %s\n", name, status)
		}
	}
}

// ============================================================================
// health
// ============================================================================

func buildHealthCommand() *cobra.Command {
	var addr string
	var node uint8

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check controller or node health over gRPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				addr = cfg.Health.Addr
			}
			service := ""
			if node != 0 {
				service = server.ServiceName(types.NodeID(node))
			}

			resp, err := checkHealth(cmd.Context(), addr, service)
			if err != nil {
				return err
			}
			out, err := protojson.Marshal(resp)
			if err != nil {
				return fmt.Errorf("failed to encode health response: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "health server address (default from config)")
	cmd.Flags().Uint8Var(&node, "node", 0, "node id to check (0 = controller)")
	return cmd
}

func checkHealth(ctx context.Context, addr, service string) (*healthpb.HealthCheckResponse, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to health server: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return nil, fmt.Errorf("health check failed: %w", err)
	}
	return resp, nil
}

// ============================================================================
// migrate
// ============================================================================

func buildMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL schema",
	}

	newMigrator := func() (*store.Migrator, error) {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		return store.NewMigrator(cfg.Store.Postgres.URL()), nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newMigrator()
			if err != nil {
				return err
			}
			changed, err := m.Up()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), migrateResult(changed, "applied"))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the latest migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newMigrator()
			if err != nil {
				return err
			}
			changed, err := m.Down()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), migrateResult(changed, "rolled back"))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newMigrator()
			if err != nil {
				return err
			}
			v, dirty, err := m.Version()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", v, dirty)
			return nil
		},
	})

	return cmd
}

func migrateResult(changed bool, verb string) string {
	if !changed {
		return "no change"
	}
	return "migrations " + verb
}
