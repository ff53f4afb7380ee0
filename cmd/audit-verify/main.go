// Command audit-verify walks tenants' audit hash chains and reports tampering.
//
//	audit-verify --tenant <id>                 one tenant
//	audit-verify --out report.xlsx --upload    every tenant, workbook copied to GCS
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mmdatafocus/kanban_backend/config"
)

func main() {
	tenant := flag.String("tenant", "", "Optional: tenant id (default: every tenant with audit entries)")
	out := flag.String("out", "", "Optional: write an xlsx report to this path")
	upload := flag.Bool("upload", false, "Upload the xlsx report to GCS_REPORT_BUCKET")
	failOnViolation := flag.Bool("fail-on-violation", true, "Exit 2 when any chain is broken")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	res, err := verify(context.Background(), db, verifyOptions{
		TenantId: strings.TrimSpace(*tenant),
		OutPath:  strings.TrimSpace(*out),
		Upload:   *upload,
		Stdout:   os.Stdout,
		Logger:   config.GetLogger(),
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *failOnViolation && res.Broken > 0 {
		os.Exit(2)
	}
}
