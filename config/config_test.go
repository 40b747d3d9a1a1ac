package config

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"juryflow/signer"
)

const registryHex = "0x00000000000000000000000000000000000000aa"

func envOf(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(envOf(map[string]string{"JURYFLOW_REGISTRY": registryHex}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Env != Development || cfg.Network.ChainID.Int64() != 84532 {
		t.Fatalf("expected Base Sepolia development preset, got %s %s", cfg.Env, cfg.Network.ChainID)
	}
	if cfg.Network.StakeToken != common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e") {
		t.Fatalf("unexpected stake token %s", cfg.Network.StakeToken.Hex())
	}
	if cfg.SecretBackend != SecretFile || cfg.Signer.Mode != signer.ModeEmbedded {
		t.Fatalf("unexpected backends: %s %s", cfg.SecretBackend, cfg.Signer.Mode)
	}
	if cfg.BatchSize != 5 || cfg.BatchPause != 100*time.Millisecond {
		t.Fatalf("unexpected batching: %d %s", cfg.BatchSize, cfg.BatchPause)
	}
}

func TestLoad_ProductionAndOverrides(t *testing.T) {
	cfg, err := Load(envOf(map[string]string{
		"JURYFLOW_ENV":               "production",
		"JURYFLOW_REGISTRY":          registryHex,
		"JURYFLOW_RPC_URL":           "http://127.0.0.1:8545",
		"JURYFLOW_SECRET_STORE":      "postgres",
		"DATABASE_URL":               "postgres://juryflow@localhost/juryflow",
		"JURYFLOW_SIGNER":            "external",
		"JURYFLOW_SIGNER_URL":        "http://127.0.0.1:8550",
		"JURYFLOW_SIGNER_ACCOUNT":    "0x00000000000000000000000000000000000000f1",
		"JURYFLOW_SIGNER_JWT_SECRET": "0a0b",
		"JURYFLOW_BATCH_PAUSE":       "250ms",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Network.ChainID.Int64() != 8453 || cfg.Network.RPCURL != "http://127.0.0.1:8545" {
		t.Fatalf("unexpected network: %+v", cfg.Network)
	}
	if cfg.SecretBackend != SecretPostgres || cfg.Signer.Mode != signer.ModeExternal {
		t.Fatalf("unexpected backends: %s %s", cfg.SecretBackend, cfg.Signer.Mode)
	}
	if len(cfg.Signer.JWTSecret) != 2 || cfg.Signer.JWTSecret[0] != 0x0a {
		t.Fatalf("unexpected jwt secret %x", cfg.Signer.JWTSecret)
	}
	if cfg.BatchPause != 250*time.Millisecond {
		t.Fatalf("unexpected pause %s", cfg.BatchPause)
	}
}

func TestLoad_Errors(t *testing.T) {
	cases := map[string]map[string]string{
		"missing registry":  {},
		"bad registry":      {"JURYFLOW_REGISTRY": "0x123"},
		"unknown env":       {"JURYFLOW_REGISTRY": registryHex, "JURYFLOW_ENV": "mars"},
		"postgres no url":   {"JURYFLOW_REGISTRY": registryHex, "JURYFLOW_SECRET_STORE": "postgres"},
		"unknown store":     {"JURYFLOW_REGISTRY": registryHex, "JURYFLOW_SECRET_STORE": "browser"},
		"bad batch size":    {"JURYFLOW_REGISTRY": registryHex, "JURYFLOW_BATCH_SIZE": "-1"},
		"bad chain id":      {"JURYFLOW_REGISTRY": registryHex, "JURYFLOW_CHAIN_ID": "abc"},
		"bad receipt poll":  {"JURYFLOW_REGISTRY": registryHex, "JURYFLOW_RECEIPT_POLL": "soon"},
		"bad signer secret": {"JURYFLOW_REGISTRY": registryHex, "JURYFLOW_SIGNER_JWT_SECRET": "zz"},
	}
	for name, env := range cases {
		if _, err := Load(envOf(env)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
	if _, err := Load(envOf(map[string]string{})); !errors.Is(err, ErrMissingRegistry) {
		t.Fatalf("expected ErrMissingRegistry got %v", err)
	}
}

func TestPresetsAreNotShared(t *testing.T) {
	cfg, err := Load(envOf(map[string]string{"JURYFLOW_REGISTRY": registryHex}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.Network.ChainID.SetInt64(1)
	again, err := Load(envOf(map[string]string{"JURYFLOW_REGISTRY": registryHex}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if again.Network.ChainID.Int64() != 84532 {
		t.Fatalf("preset chain id was mutated: %s", again.Network.ChainID)
	}
}
