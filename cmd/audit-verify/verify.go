package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mmdatafocus/kanban_backend/appctx"
	"github.com/mmdatafocus/kanban_backend/utils"
	"github.com/mmdatafocus/kanban_backend/workflow"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type verifyOptions struct {
	TenantId string
	OutPath  string
	Upload   bool
	Stdout   io.Writer
	Logger   *logrus.Logger

	// upload is swapped in tests.
	upload func(ctx context.Context, objectName string, data []byte, contentType string) (string, error)
}

type verifyResult struct {
	Reports   []*workflow.AuditIntegrityReport
	Broken    int
	UploadURI string
}

func verify(ctx context.Context, db *gorm.DB, opts verifyOptions) (*verifyResult, error) {
	// Reads span tenants.
	ctx = appctx.Set(ctx, appctx.ContextKeySkipTenantScope, true)

	tenants := []string{opts.TenantId}
	if opts.TenantId == "" {
		var err error
		if tenants, err = workflow.ListAuditTenants(ctx, db); err != nil {
			return nil, fmt.Errorf("list tenants: %w", err)
		}
	}

	res := &verifyResult{}
	for _, tenantId := range tenants {
		report, err := workflow.CheckAuditIntegrity(ctx, db, tenantId)
		if err != nil {
			return nil, fmt.Errorf("check tenant %s: %w", tenantId, err)
		}
		res.Reports = append(res.Reports, report)
		status := "ok"
		if !report.Valid {
			res.Broken++
			status = "BROKEN"
			if opts.Logger != nil {
				opts.Logger.WithFields(logrus.Fields{
					"field":      "AuditVerify",
					"tenant_id":  tenantId,
					"violations": report.ViolationCount,
				}).Error("audit chain integrity violation")
			}
		}
		if opts.Stdout != nil {
			fmt.Fprintf(opts.Stdout, "%s\t%s\tchecked=%d pending=%d violations=%d\n",
				tenantId, status, report.TotalChecked, report.PendingCount, report.ViolationCount)
		}
	}

	if opts.OutPath == "" && !opts.Upload {
		return res, nil
	}

	var buf bytes.Buffer
	if err := workflow.WriteAuditIntegrityWorkbook(&buf, res.Reports...); err != nil {
		return nil, fmt.Errorf("build workbook: %w", err)
	}
	if opts.OutPath != "" {
		if err := os.WriteFile(opts.OutPath, buf.Bytes(), 0o644); err != nil {
			return nil, err
		}
	}
	if opts.Upload {
		upload := opts.upload
		if upload == nil {
			upload = utils.UploadBytesToGCS
		}
		uri, err := upload(ctx, utils.ReportObjectName("audit-integrity", "xlsx", time.Now()), buf.Bytes(), utils.XlsxContentType)
		if err != nil {
			return nil, fmt.Errorf("upload report: %w", err)
		}
		res.UploadURI = uri
		if opts.Stdout != nil {
			fmt.Fprintln(opts.Stdout, "uploaded "+uri)
		}
	}
	return res, nil
}
