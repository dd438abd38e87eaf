package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/deskwire/internal/config"
	fileblob "github.com/nextlevelbuilder/deskwire/internal/store/file"
	"github.com/nextlevelbuilder/deskwire/internal/store/pg"
	"github.com/nextlevelbuilder/deskwire/internal/store/sqlite"
	"github.com/nextlevelbuilder/deskwire/pkg/protocol"
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
	fmt.Println("deskwire doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	// Config
	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults + env)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	// Providers
	fmt.Println()
	fmt.Println("  Providers:")
	printProvider("anthropic", cfg.Providers.Anthropic, cfg.Providers.Primary)
	printProvider("openai", cfg.Providers.OpenAI, cfg.Providers.Primary)
	if cfg.Providers.FallbackEnabled && cfg.Providers.Fallback != "" {
		fmt.Printf("    %-12s %s\n", "Fallback:", cfg.Providers.Fallback)
	} else {
		fmt.Printf("    %-12s disabled\n", "Fallback:")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Warm KV round-trip.
	fmt.Println()
	fmt.Println("  Storage:")
	fmt.Printf("    %-12s %s\n", "Driver:", cfg.Storage.Driver)
	checkKV(ctx, cfg)
	checkBlob(ctx, cfg)
}

func printProvider(name string, spec config.ProviderSpec, primary string) {
	role := ""
	if name == primary {
		role = " (primary)"
	}
	if spec.APIKey == "" {
		fmt.Printf("    %-12s no API key%s\n", name+":", role)
		return
	}
	fmt.Printf("    %-12s %s%s\n", name+":", spec.Model, role)
}

func checkKV(ctx context.Context, cfg *config.Config) {
	probeKey := "doctor:probe"
	switch cfg.Storage.Driver {
	case "postgres":
		kv, err := pg.Open(cfg.Storage.PostgresDSN)
		if err != nil {
			fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Warm KV:", err)
			return
		}
		defer kv.Close()
		if err := kv.Set(ctx, probeKey, []byte("ok"), time.Minute); err != nil {
			fmt.Printf("    %-12s WRITE FAILED (%s)\n", "Warm KV:", err)
			return
		}
		kv.Delete(ctx, probeKey)
		fmt.Printf("    %-12s OK\n", "Warm KV:")
	default:
		path := config.ExpandHome(cfg.Storage.SQLitePath)
		kv, err := sqlite.Open(path)
		if err != nil {
			fmt.Printf("    %-12s OPEN FAILED (%s)\n", "Warm KV:", err)
			return
		}
		defer kv.Close()
		if err := kv.Set(ctx, probeKey, []byte("ok"), time.Minute); err != nil {
			fmt.Printf("    %-12s WRITE FAILED (%s)\n", "Warm KV:", err)
			return
		}
		kv.Delete(ctx, probeKey)
		fmt.Printf("    %-12s OK (%s)\n", "Warm KV:", path)
	}
}

func checkBlob(ctx context.Context, cfg *config.Config) {
	dir := config.ExpandHome(cfg.Storage.BlobDir)
	blob, err := fileblob.New(dir)
	if err != nil {
		fmt.Printf("    %-12s OPEN FAILED (%s)\n", "Cold blob:", err)
		return
	}
	probe := "doctor/probe.json"
	if err := blob.Put(ctx, probe, []byte(`{"ok":true}`)); err != nil {
		fmt.Printf("    %-12s WRITE FAILED (%s)\n", "Cold blob:", err)
		return
	}
	blob.Delete(ctx, probe)
	fmt.Printf("    %-12s OK (%s)\n", "Cold blob:", dir)
}
