package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"
)

func TestChargeDailyDryRunPrintsSummary(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("BILLING_DATABASE_URL", "sqlite://"+filepath.Join(dir, "billing.db"))
	t.Setenv("BILLING_DAILY_CHARGE", "12.50")

	cmd := newRootCommand()
	output := &bytes.Buffer{}
	cmd.SetOut(output)
	cmd.SetArgs([]string{"charge-daily", "--env-file", filepath.Join(dir, "missing.env"), "--dry-run", "--date", "2026-03-14"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("charge-daily failed: %v", err)
	}

	var summary summaryOutput
	if err := json.Unmarshal(output.Bytes(), &summary); err != nil {
		t.Fatalf("decode summary failed: %v (%s)", err, output.String())
	}
	if !summary.DryRun || summary.Date != "2026-03-14" || summary.Amount != "12.50" || summary.Total != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestChargeDailyRejectsBadFlags(t *testing.T) {
	t.Setenv("BILLING_DATABASE_URL", "sqlite://"+filepath.Join(t.TempDir(), "billing.db"))
	testCases := [][]string{
		{"charge-daily", "--date", "14.03.2026"},
		{"charge-daily", "--charge-amount", "0"},
		{"charge-daily", "--store-backend", "pgx"},
	}
	for _, args := range testCases {
		cmd := newRootCommand()
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetArgs(args)
		if err := cmd.Execute(); err == nil {
			t.Fatalf("expected %v to fail", args)
		}
	}
}

func TestServeRequiresSigningKey(t *testing.T) {
	t.Setenv("BILLING_DATABASE_URL", "sqlite://"+filepath.Join(t.TempDir(), "billing.db"))
	cmd := newRootCommand()
	cmd.SetArgs([]string{"serve", "--admin-token", "token"})
	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected serve without a signing key to fail")
	}
}
