package policy

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/nexus-pool/nxs-pool/internal/util"
)

const (
	accountBanFile = "account.ban"
	ipBanFile      = "ip.ban"
)

// BanMirror shares ban lists between pool processes, e.g. through Redis
type BanMirror interface {
	AddBannedAccount(account string) error
	AddBannedIP(ip string) error
	RemoveBannedAccount(account string) error
	RemoveBannedIP(ip string) error
	BannedAccounts() ([]string, error)
	BannedIPs() ([]string, error)
}

// BannedUsers keeps banned accounts and IPs in memory. The lists are read
// from the data directory at startup and written back at shutdown.
type BannedUsers struct {
	accountsPath string
	ipsPath      string
	mirror       BanMirror

	accountsMu sync.Mutex
	accounts   map[string]struct{}

	ipsMu sync.Mutex
	ips   map[string]struct{}
}

// NewBannedUsers creates the lists for dataDir. mirror may be nil.
func NewBannedUsers(dataDir string, mirror BanMirror) *BannedUsers {
	return &BannedUsers{
		accountsPath: filepath.Join(dataDir, accountBanFile),
		ipsPath:      filepath.Join(dataDir, ipBanFile),
		mirror:       mirror,
		accounts:     make(map[string]struct{}),
		ips:          make(map[string]struct{}),
	}
}

// Load reads both ban files. Missing files are treated as empty lists.
func (b *BannedUsers) Load() error {
	accounts, err := readLines(b.accountsPath)
	if err != nil {
		return err
	}
	ips, err := readLines(b.ipsPath)
	if err != nil {
		return err
	}

	b.accountsMu.Lock()
	for _, a := range accounts {
		b.accounts[a] = struct{}{}
	}
	b.accountsMu.Unlock()

	b.ipsMu.Lock()
	for _, ip := range ips {
		b.ips[ip] = struct{}{}
	}
	b.ipsMu.Unlock()

	util.Infof("Loaded %d banned accounts and %d banned IPs", len(accounts), len(ips))
	return b.Refresh()
}

// Save writes both ban files
func (b *BannedUsers) Save() error {
	if err := writeLines(b.accountsPath, b.Accounts()); err != nil {
		return err
	}
	return writeLines(b.ipsPath, b.IPs())
}

// Refresh merges entries added by other processes through the mirror
func (b *BannedUsers) Refresh() error {
	if b.mirror == nil {
		return nil
	}

	accounts, err := b.mirror.BannedAccounts()
	if err != nil {
		return fmt.Errorf("load mirrored accounts: %w", err)
	}
	ips, err := b.mirror.BannedIPs()
	if err != nil {
		return fmt.Errorf("load mirrored ips: %w", err)
	}

	b.accountsMu.Lock()
	for _, a := range accounts {
		b.accounts[a] = struct{}{}
	}
	b.accountsMu.Unlock()

	b.ipsMu.Lock()
	for _, ip := range ips {
		b.ips[ip] = struct{}{}
	}
	b.ipsMu.Unlock()
	return nil
}

// AddAccount bans an account
func (b *BannedUsers) AddAccount(account string) {
	b.accountsMu.Lock()
	b.accounts[account] = struct{}{}
	b.accountsMu.Unlock()

	if b.mirror != nil {
		if err := b.mirror.AddBannedAccount(account); err != nil {
			util.Warnf("Failed to mirror banned account %s: %v", account, err)
		}
	}
}

// AddIP bans an IP address
func (b *BannedUsers) AddIP(ip string) {
	b.ipsMu.Lock()
	b.ips[ip] = struct{}{}
	b.ipsMu.Unlock()

	if b.mirror != nil {
		if err := b.mirror.AddBannedIP(ip); err != nil {
			util.Warnf("Failed to mirror banned IP %s: %v", ip, err)
		}
	}
}

// RemoveAccount lifts an account ban and reports whether it existed
func (b *BannedUsers) RemoveAccount(account string) bool {
	b.accountsMu.Lock()
	_, ok := b.accounts[account]
	delete(b.accounts, account)
	b.accountsMu.Unlock()

	if ok && b.mirror != nil {
		if err := b.mirror.RemoveBannedAccount(account); err != nil {
			util.Warnf("Failed to remove mirrored account %s: %v", account, err)
		}
	}
	return ok
}

// RemoveIP lifts an IP ban and reports whether it existed
func (b *BannedUsers) RemoveIP(ip string) bool {
	b.ipsMu.Lock()
	_, ok := b.ips[ip]
	delete(b.ips, ip)
	b.ipsMu.Unlock()

	if ok && b.mirror != nil {
		if err := b.mirror.RemoveBannedIP(ip); err != nil {
			util.Warnf("Failed to remove mirrored IP %s: %v", ip, err)
		}
	}
	return ok
}

func (b *BannedUsers) IsAccountBanned(account string) bool {
	b.accountsMu.Lock()
	defer b.accountsMu.Unlock()
	_, ok := b.accounts[account]
	return ok
}

func (b *BannedUsers) IsIPBanned(ip string) bool {
	b.ipsMu.Lock()
	defer b.ipsMu.Unlock()
	_, ok := b.ips[ip]
	return ok
}

// Accounts returns the banned accounts sorted
func (b *BannedUsers) Accounts() []string {
	b.accountsMu.Lock()
	defer b.accountsMu.Unlock()
	return sortedKeys(b.accounts)
}

// IPs returns the banned IPs sorted
func (b *BannedUsers) IPs() []string {
	b.ipsMu.Lock()
	defer b.ipsMu.Unlock()
	return sortedKeys(b.ips)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return lines, nil
}

func writeLines(path string, lines []string) error {
	var sb strings.Builder
	for _, line := range lines {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
