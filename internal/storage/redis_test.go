package storage

import (
	"sort"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func newTestRedis(t *testing.T) (*RedisClient, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(mr.Close)

	client, err := NewRedisClient(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("NewRedisClient() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestNewRedisClientUnreachable(t *testing.T) {
	if _, err := NewRedisClient("127.0.0.1:1", "", 0); err == nil {
		t.Error("NewRedisClient() should fail without a server")
	}
}

func TestRedisLedgerRoundTrip(t *testing.T) {
	client, mr := newTestRedis(t)

	ledger := NewLedger(client, JSONCodec{})
	ledger.AddRoundShares("addr1", 500)
	ledger.Blocks.UpdateRecord("hash1", BlockRecord{Hash: "hash1", Round: 3, CoinbaseValue: 42})
	ledger.SetMeta(MetaRound, 3)

	if err := ledger.WriteToDisk(); err != nil {
		t.Fatalf("WriteToDisk() error = %v", err)
	}

	if !mr.Exists("nxs:ledger:accounts") {
		t.Error("accounts hash should exist in redis")
	}

	reloaded := NewLedger(client, JSONCodec{})
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	acct, err := reloaded.Accounts.GetRecord("addr1")
	if err != nil {
		t.Fatalf("GetRecord() error = %v", err)
	}
	if acct.RoundShares != 500 {
		t.Errorf("RoundShares = %d, want 500", acct.RoundShares)
	}

	blk, err := reloaded.Blocks.GetRecord("hash1")
	if err != nil {
		t.Fatalf("GetRecord() error = %v", err)
	}
	if blk.Round != 3 || blk.CoinbaseValue != 42 {
		t.Errorf("block = %+v", blk)
	}
	if reloaded.MetaValue(MetaRound) != 3 {
		t.Errorf("MetaValue(round) = %d, want 3", reloaded.MetaValue(MetaRound))
	}
}

func TestRedisBanMirror(t *testing.T) {
	client, _ := newTestRedis(t)

	if err := client.AddBannedAccount("acct1"); err != nil {
		t.Fatalf("AddBannedAccount() error = %v", err)
	}
	if err := client.AddBannedIP("1.2.3.4"); err != nil {
		t.Fatalf("AddBannedIP() error = %v", err)
	}
	if err := client.AddBannedIP("5.6.7.8"); err != nil {
		t.Fatalf("AddBannedIP() error = %v", err)
	}

	ips, err := client.BannedIPs()
	if err != nil {
		t.Fatalf("BannedIPs() error = %v", err)
	}
	sort.Strings(ips)
	if len(ips) != 2 || ips[0] != "1.2.3.4" {
		t.Errorf("BannedIPs() = %v", ips)
	}

	if err := client.RemoveBannedIP("1.2.3.4"); err != nil {
		t.Fatalf("RemoveBannedIP() error = %v", err)
	}
	ips, _ = client.BannedIPs()
	if len(ips) != 1 {
		t.Errorf("BannedIPs() after removal = %v", ips)
	}

	accounts, _ := client.BannedAccounts()
	if len(accounts) != 1 || accounts[0] != "acct1" {
		t.Errorf("BannedAccounts() = %v", accounts)
	}
	if err := client.RemoveBannedAccount("acct1"); err != nil {
		t.Fatalf("RemoveBannedAccount() error = %v", err)
	}
}
