package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/basket/lucid/internal/config"
	"github.com/basket/lucid/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string, out io.Writer) int {
	jsonOutput := false
	for _, arg := range args {
		if arg == "-json" || arg == "--json" {
			jsonOutput = true
		}
	}

	cfg, err := config.Load()
	var cfgPtr *config.Config
	if err != nil {
		// Keep going so the remaining checks can explain what is wrong.
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
	} else {
		cfgPtr = &cfg
	}

	diag := doctor.Run(ctx, cfgPtr, Version)
	if jsonOutput {
		if code := writeJSON(out, diag); code != 0 {
			return code
		}
	} else {
		writeDiagnosis(out, diag)
	}
	if diag.Failed() {
		return 1
	}
	return 0
}

func writeDiagnosis(out io.Writer, diag doctor.Diagnosis) {
	fmt.Fprintf(out, "Lucid Doctor Report (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(out, "System: %s/%s (%s) %s\n", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Version)
	fmt.Fprintln(out, "---")
	for _, res := range diag.Results {
		icon := "✅"
		switch res.Status {
		case "FAIL":
			icon = "❌"
		case "WARN":
			icon = "⚠️ "
		case "SKIP":
			icon = "⏩"
		}
		fmt.Fprintf(out, "%s %-12s: %s\n", icon, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(out, "    %s\n", res.Detail)
		}
	}
}
