package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSetupWithOptionsWritesJSONToFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "node.log")
	var buf bytes.Buffer
	logger, closer := SetupWithOptions("tradenode", "test", Options{File: file, MaxSizeMB: 1, Output: &buf})
	t.Cleanup(func() { slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil))) })

	logger.Info("trade step", MaskField("paymentAccount", "IBAN DE00"), MaskField("tradeId", "t-1"))
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line["message"] != "trade step" || line["severity"] != "INFO" || line["service"] != "tradenode" || line["env"] != "test" {
		t.Fatalf("unexpected log line %v", line)
	}
	if line["paymentAccount"] != RedactedValue || line["tradeId"] != "t-1" {
		t.Fatalf("redaction not applied: %v", line)
	}
	if _, ok := line["timestamp"]; !ok {
		t.Fatalf("missing timestamp")
	}

	raw, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(raw), `"message":"trade step"`) {
		t.Fatalf("log file missing line: %s", raw)
	}
}

func TestSetupWithOptionsFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := SetupWithOptions("tradenode", "", Options{Level: slog.LevelWarn, Output: &buf})
	t.Cleanup(func() { slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil))) })

	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("unexpected output %q", buf.String())
	}
	if strings.Contains(buf.String(), `"env"`) {
		t.Fatalf("empty env should be omitted")
	}
}

func TestMaskValue(t *testing.T) {
	if MaskValue("") != "" || MaskValue("secret") != RedactedValue {
		t.Fatalf("unexpected masking")
	}
	if !IsAllowlisted(" TradeID ") {
		t.Fatalf("allowlist should ignore case")
	}
}
