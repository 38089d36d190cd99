package main

import (
	"context"
	"fmt"
	"runtime"

	"github.com/urfave/cli/v3"
	"golang.org/x/sys/cpu"

	"github.com/samcharles93/strata/internal/device"
	"github.com/samcharles93/strata/internal/logger"
)

func cpuFeatures() map[string]bool {
	switch runtime.GOARCH {
	case "amd64", "386":
		return map[string]bool{
			"SSE4.2":   cpu.X86.HasSSE42,
			"AVX":      cpu.X86.HasAVX,
			"AVX2":     cpu.X86.HasAVX2,
			"FMA":      cpu.X86.HasFMA,
			"AVX512F":  cpu.X86.HasAVX512F,
			"AVX512BW": cpu.X86.HasAVX512BW,
		}
	case "arm64":
		return map[string]bool{
			"ASIMD":   cpu.ARM64.HasASIMD,
			"FP":      cpu.ARM64.HasFP,
			"ASIMDHP": cpu.ARM64.HasASIMDHP,
			"SVE":     cpu.ARM64.HasSVE,
		}
	}
	return nil
}

func infoCmd() *cli.Command {
	return &cli.Command{
		Name:  "info",
		Usage: "Show runtime and host information",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			rt, err := device.Init(ctx, deviceConfig())
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: init device: %v", err), 1)
			}
			defer func() {
				if err := rt.Close(); err != nil {
					log.Error("close device", "error", err)
				}
			}()

			cfg := rt.Config()
			stats := rt.Pool().Stats()
			fmt.Println("=== Strata Runtime ===")
			fmt.Printf("Session:    %s\n", rt.ID())
			fmt.Printf("Device:     %d (simulated)\n", cfg.DeviceID)
			if cfg.MemoryGB > 0 {
				fmt.Printf("Budget:     %.2f GB\n", cfg.MemoryGB)
			} else {
				fmt.Printf("Budget:     unbounded\n")
			}
			fmt.Printf("Workers:    %d\n", workerCount(cfg.Workers))
			fmt.Printf("Heap slabs: %d\n", stats.Heap.Slabs)
			fmt.Println()
			fmt.Println("=== Host ===")
			fmt.Printf("OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
			fmt.Printf("CPUs:       %d\n", runtime.NumCPU())
			fmt.Printf("GOMAXPROCS: %d\n", runtime.GOMAXPROCS(0))
			if total, ok := hostMemory(); ok {
				fmt.Printf("Memory:     %.1f GB\n", float64(total)/(1<<30))
			}
			if features := cpuFeatures(); len(features) > 0 {
				fmt.Printf("Features:  ")
				for _, name := range sortedKeys(features) {
					mark := "-"
					if features[name] {
						mark = "+"
					}
					fmt.Printf(" %s%s", mark, name)
				}
				fmt.Println()
			}
			return nil
		},
	}
}

func workerCount(n int) int {
	if n <= 0 {
		return runtime.GOMAXPROCS(0)
	}
	return n
}
