// Package cli implements the interactive command-line interface for
// Bastion: session and monitor inspection plus ad-hoc server queries.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"

	"github.com/bastion-project/bastion/internal/config"
	"github.com/bastion-project/bastion/internal/events"
	"github.com/bastion-project/bastion/internal/gateway"
	"github.com/bastion-project/bastion/internal/monitor"
	"github.com/bastion-project/bastion/internal/query"
)

// CLI provides an interactive command-line interface.
type CLI struct {
	cfg      *config.Config
	eventBus *events.EventBus
	registry *gateway.Registry
	monitor  *monitor.Monitor
}

// NewCLI creates a new CLI handler.
func NewCLI(cfg *config.Config, eventBus *events.EventBus, registry *gateway.Registry, mon *monitor.Monitor) *CLI {
	return &CLI{
		cfg:      cfg,
		eventBus: eventBus,
		registry: registry,
		monitor:  mon,
	}
}

// Start begins the interactive CLI loop.
func (c *CLI) Start(ctx context.Context) {
	fmt.Println("\nBastion CLI ready. Type 'help' for available commands.")
	fmt.Println("─────────────────────────────────────────────────────")

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	fmt.Print("bastion> ")
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				// stdin closed; stay alive for the other tasks
				<-ctx.Done()
				return
			}
			line = strings.TrimSpace(line)
			if line != "" {
				parts := strings.Fields(line)
				if err := c.execute(ctx, strings.ToLower(parts[0]), parts[1:]); err != nil {
					fmt.Printf("Error: %v\n", err)
				}
			}
			fmt.Print("bastion> ")
		}
	}
}

// execute processes a single CLI command.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "sessions", "s":
		c.printSessions()
	case "monitor", "m":
		c.printMonitor()
	case "query":
		return c.cmdQuery(ctx, args)
	case "loglevel":
		return c.cmdLogLevel(args)
	case "validate":
		c.printValidation()
	case "quit", "exit", "q":
		fmt.Println("Shutting down Bastion...")
		c.eventBus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
	default:
		fmt.Printf("Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

// printHelp displays available commands.
func (c *CLI) printHelp() {
	fmt.Println("\n╔══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                     Bastion CLI Commands                     ║")
	fmt.Println("╠══════════════════════════════════════════════════════════════╣")
	fmt.Println("║  sessions            List live browser sessions             ║")
	fmt.Println("║  monitor             Show watch list snapshots              ║")
	fmt.Println("║  query <host> <port> One-shot A2S query of a game server    ║")
	fmt.Println("║  loglevel <level>    Change log level (trace..error)        ║")
	fmt.Println("║  validate            Re-check the configuration             ║")
	fmt.Println("║  quit                Shutdown Bastion                       ║")
	fmt.Println("║  help                Show this help message                 ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
	fmt.Println()
}

// printSessions displays the live sessions in a formatted table.
func (c *CLI) printSessions() {
	sessions := c.registry.List()
	if len(sessions) == 0 {
		fmt.Println("No live sessions.")
		return
	}

	fmt.Println()
	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"ID", "Remote", "Backend", "State", "Logs", "Opened"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, s := range sessions {
		backend := s.BackendAddr()
		if backend == "" {
			backend = "-"
		}
		logs := "off"
		if s.LogsEnabled() {
			logs = "on"
		}
		tw.Append([]string{
			s.ID(),
			s.RemoteIP(),
			backend,
			s.State(),
			logs,
			s.OpenedAt().Format("15:04:05"),
		})
	}
	tw.Render()
	fmt.Println()
}

// printMonitor displays the latest watch list snapshots.
func (c *CLI) printMonitor() {
	snaps := c.monitor.Snapshots()
	if len(snaps) == 0 {
		fmt.Println("Watch list is empty or not yet polled.")
		return
	}

	fmt.Println()
	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"Server", "Up", "Name", "Map", "Players", "Ping", "Checked"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, snap := range snaps {
		up := "no"
		name, mapName, players, ping := "-", "-", "-", "-"
		if snap.Reachable {
			up = "yes"
			ping = fmt.Sprintf("%dms", snap.PingMS)
			if snap.Info != nil {
				name = snap.Info.Name
				mapName = snap.Info.Map
				players = fmt.Sprintf("%d/%d", snap.Info.Players, snap.Info.MaxPlayers)
			}
		}
		tw.Append([]string{
			snap.Addr,
			up,
			name,
			mapName,
			players,
			ping,
			snap.CheckedAt.Format("15:04:05"),
		})
	}
	tw.Render()
	fmt.Println()
}

// cmdQuery runs a one-shot A2S info query against an arbitrary server.
func (c *CLI) cmdQuery(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: query <host> <port>")
	}
	port, err := strconv.Atoi(args[1])
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid port: %s", args[1])
	}

	timeout := time.Duration(c.cfg.GetGateway().QueryTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	info, err := query.Info(ctx, args[0], port, timeout)
	if err != nil {
		return err
	}

	fmt.Printf("\n  Name:        %s\n", info.Name)
	fmt.Printf("  Map:         %s\n", info.Map)
	fmt.Printf("  Game:        %s (app %d)\n", info.Game, info.AppID)
	fmt.Printf("  Players:     %d/%d (%d bots)\n", info.Players, info.MaxPlayers, info.Bots)
	fmt.Printf("  Version:     %s\n", info.Version)
	fmt.Printf("  VAC:         %v\n", info.VAC)
	fmt.Println()
	return nil
}

// cmdLogLevel changes the global log level at runtime.
func (c *CLI) cmdLogLevel(args []string) error {
	if len(args) < 1 {
		fmt.Printf("Current log level: %s\n", zerolog.GlobalLevel())
		return nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(args[0]))
	if err != nil {
		return fmt.Errorf("invalid level %q (trace, debug, info, warn, error)", args[0])
	}
	zerolog.SetGlobalLevel(level)
	fmt.Printf("Log level set to %s\n", level)
	return nil
}

// printValidation re-runs config validation and prints the findings.
func (c *CLI) printValidation() {
	result := config.Validate(c.cfg)
	for _, issue := range result.Errors {
		fmt.Printf("  ERROR   %-20s %s\n", issue.Field, issue.Message)
	}
	for _, issue := range result.Warnings {
		fmt.Printf("  warning %-20s %s\n", issue.Field, issue.Message)
	}
	if result.IsValid() && len(result.Warnings) == 0 {
		fmt.Println("Configuration is valid.")
	}
}
