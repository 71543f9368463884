package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/namewatch/internal/config"
	"github.com/nextlevelbuilder/namewatch/internal/match"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive setup wizard",
		Run: func(cmd *cobra.Command, args []string) {
			runOnboard()
		},
	}
}

func runOnboard() {
	cfg := config.Default()

	var (
		namesInput string
		rpmInput   = strconv.Itoa(cfg.Watch.RatePerMinute)
		driver     = "sqlite"
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Bridge WebSocket URL").
				Description("The whatsapp-web.js bridge endpoint").
				Value(&cfg.Bridge.URL),
			huh.NewInput().
				Title("Tracked names").
				Description("Comma-separated, e.g. أحمد, سارة علي").
				Value(&namesInput),
			huh.NewSelect[string]().
				Title("Reaction mode").
				Options(
					huh.NewOption("React with an emoji", config.ModeEmoji),
					huh.NewOption("Reply with text", config.ModeText),
				).
				Value(&cfg.Watch.Mode),
			huh.NewInput().
				Title("Actions per minute").
				Value(&rpmInput).
				Validate(func(s string) error {
					n, err := strconv.Atoi(strings.TrimSpace(s))
					if err != nil || n < 1 {
						return fmt.Errorf("enter a positive number")
					}
					return nil
				}),
			huh.NewSelect[string]().
				Title("Progress store").
				Options(
					huh.NewOption("SQLite (single file, zero setup)", "sqlite"),
					huh.NewOption("Postgres (set NAMEWATCH_POSTGRES_DSN)", "postgres"),
				).
				Value(&driver),
			huh.NewConfirm().
				Title("Normalize Arabic text?").
				Description("Folds diacritics and letter variants before matching").
				Value(&cfg.Watch.NormalizeArabic),
		),
	)

	if err := form.Run(); err != nil {
		fmt.Println("setup cancelled")
		return
	}

	if n, err := strconv.Atoi(strings.TrimSpace(rpmInput)); err == nil {
		cfg.Watch.RatePerMinute = n
	}
	cfg.Database.Driver = driver
	for _, raw := range strings.Split(namesInput, ",") {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		cfg.Names = append(cfg.Names, match.TrackedName{Name: name})
	}

	cfgPath := resolveConfigPath()
	if err := config.Save(cfg, cfgPath); err != nil {
		fmt.Printf("failed to write config: %s\n", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Printf("Config written to %s\n", cfgPath)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Start the whatsapp-web.js bridge and scan the QR code")
	if driver == "postgres" {
		fmt.Println("  2. export NAMEWATCH_POSTGRES_DSN=... && ./namewatch migrate up")
		fmt.Println("  3. ./namewatch")
	} else {
		fmt.Println("  2. ./namewatch")
	}
	fmt.Println()
	fmt.Println("Select chats once running:  curl -X PUT localhost:18890/v1/chats -d '{\"chat_ids\":[...]}'")
}
