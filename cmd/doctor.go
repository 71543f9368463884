package cmd

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/namewatch/internal/config"
	"github.com/nextlevelbuilder/namewatch/internal/match"
	"github.com/nextlevelbuilder/namewatch/internal/store/pg"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("namewatch doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	// Config
	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, run: namewatch onboard)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	// Rules: compile every tracked name the way the watcher will.
	fmt.Println()
	fmt.Println("  Rules:")
	rules := match.NewRuleSet(cfg.Names, cfg.NameLists, cfg.Watch.NormalizeArabic)
	declared := len(cfg.Names)
	for _, l := range cfg.NameLists {
		declared += len(l.Names)
	}
	listItems, flatNames := rules.Size()
	compiled := listItems + flatNames
	if declared == 0 {
		fmt.Println("    none configured (PUT /v1/names or edit config.json)")
	} else if compiled < declared {
		fmt.Printf("    %d of %d compiled (%d dropped as empty or invalid)\n", compiled, declared, declared-compiled)
	} else {
		fmt.Printf("    %d compiled (OK)\n", compiled)
	}
	fmt.Printf("    %-10s %s\n", "Mode:", cfg.Watch.Mode)
	fmt.Printf("    %-10s %d/min, %ds cooldown\n", "Pacing:", cfg.Watch.RatePerMinute, cfg.Watch.CooldownSec)

	// Database
	fmt.Println()
	fmt.Println("  Database:")
	if cfg.Database.Driver == "postgres" {
		fmt.Printf("    %-10s postgres\n", "Driver:")
		if cfg.Database.PostgresDSN == "" {
			fmt.Printf("    %-10s NAMEWATCH_POSTGRES_DSN not set\n", "Status:")
		} else if db, dbErr := pg.OpenDB(cfg.Database.PostgresDSN); dbErr != nil {
			fmt.Printf("    %-10s CONNECT FAILED (%s)\n", "Status:", dbErr)
		} else {
			defer db.Close()
			if pingErr := db.Ping(); pingErr != nil {
				fmt.Printf("    %-10s CONNECT FAILED (%s)\n", "Status:", pingErr)
			} else {
				fmt.Printf("    %-10s OK\n", "Status:")
			}
		}
	} else {
		path := config.ExpandHome(cfg.Database.Path)
		fmt.Printf("    %-10s sqlite\n", "Driver:")
		fmt.Printf("    %-10s %s", "Path:", path)
		if _, statErr := os.Stat(path); statErr != nil {
			fmt.Println(" (will be created)")
		} else {
			fmt.Println(" (OK)")
		}
	}

	// Bridge
	fmt.Println()
	fmt.Println("  Bridge:")
	fmt.Printf("    %-10s %s\n", "URL:", cfg.Bridge.URL)
	checkBridge(cfg.Bridge)
}

// checkBridge dials the bridge WebSocket once with a short timeout.
func checkBridge(bc config.BridgeConfig) {
	u := bc.URL
	if bc.Token != "" {
		u += "?token=" + url.QueryEscape(bc.Token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 3 * time.Second}
	conn, resp, err := dialer.Dial(u, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			fmt.Printf("    %-10s AUTH FAILED (check NAMEWATCH_BRIDGE_TOKEN)\n", "Status:")
		} else {
			fmt.Printf("    %-10s UNREACHABLE (%s)\n", "Status:", err)
		}
		return
	}
	conn.Close()
	fmt.Printf("    %-10s reachable\n", "Status:")
}
