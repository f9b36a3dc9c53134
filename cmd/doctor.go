package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sort"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/kvmbroker/internal/broker"
	"github.com/nextlevelbuilder/kvmbroker/internal/config"
	"github.com/nextlevelbuilder/kvmbroker/internal/credentials"
	"github.com/nextlevelbuilder/kvmbroker/internal/detect"
	"github.com/nextlevelbuilder/kvmbroker/internal/target"
	"github.com/nextlevelbuilder/kvmbroker/internal/vendor"
	"github.com/nextlevelbuilder/kvmbroker/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	var probe bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor(cmd.Context(), probe)
		},
	}
	cmd.Flags().BoolVar(&probe, "probe", false, "probe every provisioned BMC and report its vendor")
	return cmd
}

func runDoctor(ctx context.Context, probe bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	fmt.Println("kvmbroker doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Binaries:")
	if cfg.Display.External {
		fmt.Printf("    %-12s (external displays)\n", "Xvfb:")
	} else {
		checkBinary("Xvfb", cfg.Display.XvfbBin)
	}
	if cfg.Browser.Bin != "" {
		checkBinary("Chrome", cfg.Browser.Bin)
	} else if path, ok := launcher.LookPath(); ok {
		fmt.Printf("    %-12s %s\n", "Chrome:", path)
	} else {
		fmt.Printf("    %-12s not installed (rod downloads Chromium on first launch)\n", "Chrome:")
	}

	fmt.Println()
	fmt.Print("  Audit:    ")
	if cfg.Audit.Enabled {
		fmt.Println(cfg.AuditPath())
	} else {
		fmt.Println("disabled")
	}
	if cfg.Token == "" {
		fmt.Println("  API:      WARNING no token, hooks are unauthenticated")
	}

	registry, err := vendor.Default()
	if err != nil {
		fmt.Printf("  Vendor profiles: %s\n", err)
		return
	}
	fmt.Printf("  Vendors:  %v\n", registry.Keys())

	fmt.Println()
	fmt.Println("  Displays:")
	if len(cfg.Displays) == 0 {
		fmt.Println("    (none provisioned)")
		return
	}
	ids := make([]string, 0, len(cfg.Displays))
	for id := range cfg.Displays {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return config.DisplayNumber(ids[i]) < config.DisplayNumber(ids[j]) })

	resolver := credentials.NewResolver(cfg.MasterKey)
	detector := detect.New(registry, detect.WithTimeout(cfg.Timeouts.Probe.Std()))
	for _, id := range ids {
		checkDisplay(ctx, id, cfg.Displays[id], resolver, detector, probe)
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkDisplay(ctx context.Context, id string, tc config.TargetConfig, resolver *credentials.Resolver, detector *detect.Detector, probe bool) {
	t, err := target.Build(id, tc, resolver)
	if err != nil {
		fmt.Printf("    %-6s %s  ERROR %s\n", id, tc.BaseURL, err)
		return
	}
	defer t.Wipe()

	status := "ok"
	if probe {
		p, err := detector.Detect(ctx, t)
		if err != nil {
			f := broker.Classify(err)
			status = fmt.Sprintf("%s: %s", f.Code, f.Message)
		} else {
			status = "vendor " + p.Key
		}
	}
	fmt.Printf("    %-6s %s  %s  %s\n", id, t.BaseURL.Host, t.Access, status)
}

func checkBinary(name, bin string) {
	path, err := exec.LookPath(bin)
	if err != nil {
		fmt.Printf("    %-12s %s NOT FOUND\n", name+":", bin)
		return
	}
	fmt.Printf("    %-12s %s\n", name+":", path)
}
