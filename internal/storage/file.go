package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// FileBackend stores accounts as one JSON file each under <dir>/accounts,
// aliases in a single JSON map, and usage records in a JSONL append log.
// It is the default backend.
type FileBackend struct {
	dir     string
	mu      sync.RWMutex
	watcher *fsnotify.Watcher
}

func NewFileBackend(dir string) *FileBackend {
	return &FileBackend{dir: dir}
}

func (f *FileBackend) accountsDir() string { return filepath.Join(f.dir, "accounts") }
func (f *FileBackend) aliasPath() string   { return filepath.Join(f.dir, "aliases.json") }
func (f *FileBackend) usagePath() string   { return filepath.Join(f.dir, "usage.jsonl") }

func (f *FileBackend) accountPath(id string) string {
	return filepath.Join(f.accountsDir(), id+".json")
}

func (f *FileBackend) Initialize(ctx context.Context) error {
	return os.MkdirAll(f.accountsDir(), 0o755)
}

func (f *FileBackend) Close() error {
	if f.watcher != nil {
		return f.watcher.Close()
	}
	return nil
}

func (f *FileBackend) Health(ctx context.Context) error {
	_, err := os.Stat(f.accountsDir())
	return err
}

func (f *FileBackend) GetAccount(ctx context.Context, id string) (*Account, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.readAccount(id)
}

func (f *FileBackend) readAccount(id string) (*Account, error) {
	data, err := os.ReadFile(f.accountPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &ErrNotFound{Key: id}
		}
		return nil, err
	}
	var account Account
	if err := json.Unmarshal(data, &account); err != nil {
		return nil, fmt.Errorf("decode account %s: %w", id, err)
	}
	return &account, nil
}

func (f *FileBackend) PutAccount(ctx context.Context, account *Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeAccount(account)
}

func (f *FileBackend) writeAccount(account *Account) error {
	account.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(account, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(f.accountPath(account.ID), data)
}

func (f *FileBackend) DeleteAccount(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.accountPath(id)); err != nil {
		if os.IsNotExist(err) {
			return &ErrNotFound{Key: id}
		}
		return err
	}
	return nil
}

func (f *FileBackend) ListAccounts(ctx context.Context) ([]*Account, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	entries, err := os.ReadDir(f.accountsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	accounts := make([]*Account, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		account, err := f.readAccount(id)
		if err != nil {
			log.WithError(err).Warnf("skipping unreadable account file %s", entry.Name())
			continue
		}
		accounts = append(accounts, account)
	}
	return accounts, nil
}

func (f *FileBackend) UpdateCredential(ctx context.Context, id, accessToken string, expiry time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	account, err := f.readAccount(id)
	if err != nil {
		return err
	}
	account.AccessToken = accessToken
	account.TokenExpiry = expiry
	return f.writeAccount(account)
}

func (f *FileBackend) UpdateMetadata(ctx context.Context, id, projectID, tier string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	account, err := f.readAccount(id)
	if err != nil {
		return err
	}
	account.ProjectID = projectID
	account.Tier = tier
	return f.writeAccount(account)
}

func (f *FileBackend) UpdateQuotaScore(ctx context.Context, id string, score float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	account, err := f.readAccount(id)
	if err != nil {
		return err
	}
	account.QuotaScore = score
	return f.writeAccount(account)
}

func (f *FileBackend) GetAlias(ctx context.Context, source string) (string, error) {
	aliases, err := f.ListAliases(ctx)
	if err != nil {
		return "", err
	}
	target, ok := aliases[source]
	if !ok {
		return "", &ErrNotFound{Key: source}
	}
	return target, nil
}

func (f *FileBackend) SetAlias(ctx context.Context, source, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	aliases, err := f.readAliases()
	if err != nil {
		return err
	}
	aliases[source] = target
	return f.writeAliases(aliases)
}

func (f *FileBackend) DeleteAlias(ctx context.Context, source string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	aliases, err := f.readAliases()
	if err != nil {
		return err
	}
	if _, ok := aliases[source]; !ok {
		return &ErrNotFound{Key: source}
	}
	delete(aliases, source)
	return f.writeAliases(aliases)
}

func (f *FileBackend) ListAliases(ctx context.Context) (map[string]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.readAliases()
}

func (f *FileBackend) readAliases() (map[string]string, error) {
	data, err := os.ReadFile(f.aliasPath())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	aliases := map[string]string{}
	if err := json.Unmarshal(data, &aliases); err != nil {
		return nil, fmt.Errorf("decode aliases: %w", err)
	}
	return aliases, nil
}

func (f *FileBackend) writeAliases(aliases map[string]string) error {
	data, err := json.MarshalIndent(aliases, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(f.aliasPath(), data)
}

func (f *FileBackend) AppendUsage(ctx context.Context, record UsageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	file, err := os.OpenFile(f.usagePath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = file.Write(append(data, '\n'))
	return err
}

func (f *FileBackend) RecentUsage(ctx context.Context, limit int) ([]UsageRecord, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	file, err := os.Open(f.usagePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var records []UsageRecord
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var record UsageRecord
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			continue
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return records, nil
}

// WatchAccounts invokes onChange (debounced) whenever account files are
// created, modified or removed. It returns a stop function.
func (f *FileBackend) WatchAccounts(onChange func()) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(f.accountsDir()); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch accounts dir: %w", err)
	}
	f.watcher = watcher

	stopCh := make(chan struct{})
	go func() {
		var timer *time.Timer
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if !strings.HasSuffix(event.Name, ".json") {
					continue
				}
				// Debounce bursts of writes into a single reload.
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(500*time.Millisecond, onChange)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("account watcher error")
			case <-stopCh:
				return
			}
		}
	}()

	return func() {
		close(stopCh)
		watcher.Close()
	}, nil
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
