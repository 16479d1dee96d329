package provider

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"GigaCrew-Agent/internal/config"
)

func TestNewRegistryRequiresEndpoint(t *testing.T) {
	if _, err := NewRegistry(context.Background(), config.Web3Config{}); err == nil {
		t.Fatal("expected error when no chain is configured")
	}
}

func TestNewRegistryRejectsUnsupportedChainType(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chain.yaml")
	content := "chains:\n  solana:\n    type: svm\n    rpc_url: http://127.0.0.1:8899\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write chain config: %v", err)
	}
	if _, err := NewRegistry(context.Background(), config.Web3Config{ChainConfig: path}); err == nil {
		t.Fatal("expected unsupported chain type error")
	}
}

func TestNewRegistryRejectsInvalidEscrowAddress(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chain.yaml")
	content := "chains:\n  base:\n    rpc_url: http://127.0.0.1:8545\n    escrow_address: \"0x1234\"\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write chain config: %v", err)
	}
	if _, err := NewRegistry(context.Background(), config.Web3Config{ChainConfig: path}); err == nil {
		t.Fatal("expected invalid escrow address error")
	}
}
