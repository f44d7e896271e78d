package docker

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// orderIDPlaceholder is substituted into compose files downloaded from
// the content store.
const orderIDPlaceholder = "[ETNY_ORDER_ID]"

// PrepareCompose copies a downloaded compose file into an order's work
// directory, substituting the order id placeholder and capping the
// restart policy so a crashing enclave cannot loop forever.
func PrepareCompose(srcPath, destPath, orderID string) error {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("failed to read compose file: %w", err)
	}

	content := string(data)
	content = strings.ReplaceAll(content, orderIDPlaceholder, orderID)
	content = strings.ReplaceAll(content, "restart: on-failure", "restart: on-failure:20")

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("failed to create order dir: %w", err)
	}
	if err := os.WriteFile(destPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write compose file: %w", err)
	}
	return nil
}

// EnvEntry is one .env line. Entries keep their declared order so the
// generated file is stable across runs.
type EnvEntry struct {
	Key   string
	Value string
}

// WriteEnvFile writes the enclave environment file next to a compose
// stack.
func WriteEnvFile(path string, entries []EnvEntry) error {
	b := &strings.Builder{}
	for _, e := range entries {
		fmt.Fprintf(b, "%s=%s\n", e.Key, e.Value)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write env file: %w", err)
	}
	return nil
}
