// Command storageutil moves pool state between storage backends:
// export dumps accounts and aliases to a JSON snapshot, import loads a
// snapshot into the configured backend, verify compares backend and
// snapshot. The config file (plus AG_* env overrides) selects the
// backend, so export-from-file / import-into-redis is a config swap.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/atlasju/Antigravity-Proxy/internal/config"
	"github.com/atlasju/Antigravity-Proxy/internal/storage"
)

type snapshot struct {
	ExportedAt time.Time          `json:"exported_at"`
	Accounts   []*storage.Account `json:"accounts"`
	Aliases    map[string]string  `json:"aliases"`
}

func main() {
	mode := flag.String("mode", "", "operation mode: export | import | verify")
	filePath := flag.String("file", "", "snapshot path (default: stdout/stdin)")
	configPath := flag.String("config", "", "path to config file (optional, env overrides apply)")
	timeout := flag.Duration("timeout", 30*time.Second, "operation timeout")
	flag.Parse()

	if *mode == "" {
		fail(fmt.Errorf("missing -mode (export|import|verify)"))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fail(fmt.Errorf("load config: %w", err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	backend, err := storage.New(ctx, cfg)
	if err != nil {
		fail(fmt.Errorf("init storage backend %q: %w", cfg.Storage.Backend, err))
	}
	defer backend.Close()

	switch strings.ToLower(*mode) {
	case "export":
		err = runExport(ctx, backend, *filePath)
	case "import":
		err = runImport(ctx, backend, *filePath)
	case "verify":
		err = runVerify(ctx, backend, *filePath)
	default:
		err = fmt.Errorf("unknown mode %q (expected export, import, verify)", *mode)
	}
	if err != nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "storageutil:", err)
	os.Exit(1)
}

func takeSnapshot(ctx context.Context, backend storage.Backend) (*snapshot, error) {
	accounts, err := backend.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	aliases, err := backend.ListAliases(ctx)
	if err != nil {
		return nil, fmt.Errorf("list aliases: %w", err)
	}
	return &snapshot{ExportedAt: time.Now().UTC(), Accounts: accounts, Aliases: aliases}, nil
}

func runExport(ctx context.Context, backend storage.Backend, path string) error {
	snap, err := takeSnapshot(ctx, backend)
	if err != nil {
		return err
	}

	var out io.Writer = os.Stdout
	if path != "" {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
		if err != nil {
			return fmt.Errorf("create snapshot file: %w", err)
		}
		defer f.Close()
		out = f
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	fmt.Fprintf(os.Stderr, "exported %d accounts, %d aliases\n", len(snap.Accounts), len(snap.Aliases))
	return nil
}

func readSnapshot(path string) (*snapshot, error) {
	var in io.Reader = os.Stdin
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open snapshot file: %w", err)
		}
		defer f.Close()
		in = f
	}
	var snap snapshot
	if err := json.NewDecoder(in).Decode(&snap); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	return &snap, nil
}

func runImport(ctx context.Context, backend storage.Backend, path string) error {
	snap, err := readSnapshot(path)
	if err != nil {
		return err
	}

	for _, account := range snap.Accounts {
		if account.ID == "" || account.RefreshToken == "" {
			return fmt.Errorf("account %q missing id or refresh token", account.Email)
		}
		if err := backend.PutAccount(ctx, account); err != nil {
			return fmt.Errorf("import account %s: %w", account.ID, err)
		}
	}
	for source, target := range snap.Aliases {
		if err := backend.SetAlias(ctx, source, target); err != nil {
			return fmt.Errorf("import alias %s: %w", source, err)
		}
	}
	fmt.Fprintf(os.Stderr, "imported %d accounts, %d aliases\n", len(snap.Accounts), len(snap.Aliases))
	return nil
}

func runVerify(ctx context.Context, backend storage.Backend, path string) error {
	snap, err := readSnapshot(path)
	if err != nil {
		return err
	}
	live, err := takeSnapshot(ctx, backend)
	if err != nil {
		return err
	}

	byID := make(map[string]*storage.Account, len(live.Accounts))
	for _, account := range live.Accounts {
		byID[account.ID] = account
	}

	var missing, differs int
	for _, want := range snap.Accounts {
		got, ok := byID[want.ID]
		if !ok {
			missing++
			fmt.Fprintf(os.Stderr, "missing account: %s\n", want.ID)
			continue
		}
		if got.RefreshToken != want.RefreshToken || got.Email != want.Email || got.ProjectID != want.ProjectID {
			differs++
			fmt.Fprintf(os.Stderr, "account differs: %s\n", want.ID)
		}
	}
	for source, target := range snap.Aliases {
		if live.Aliases[source] != target {
			differs++
			fmt.Fprintf(os.Stderr, "alias differs: %s\n", source)
		}
	}

	if missing > 0 || differs > 0 {
		return fmt.Errorf("verify failed: %d missing, %d different", missing, differs)
	}
	fmt.Fprintf(os.Stderr, "verified %d accounts, %d aliases\n", len(snap.Accounts), len(snap.Aliases))
	return nil
}
