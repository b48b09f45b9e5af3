package wireguard

import (
	"strings"
	"testing"
)

func TestManagedBlockAndExcise(t *testing.T) {
	block := managedBlock("PUBKEY123=", "10.8.0.5", 32, 42)
	if !strings.HasPrefix(block, managedBlockPrefix+"42\n") {
		t.Fatalf("unexpected block header: %q", block)
	}

	existing := "[Interface]\nPrivateKey = serverkey\nAddress = 10.8.0.1/16\n\n" +
		"[Peer]\nPublicKey = MANUALPEER=\nAllowedIPs = 10.8.0.9/32\n\n" +
		block

	updated, removed := exciseBlock(existing, "PUBKEY123=")
	if !removed {
		t.Fatalf("expected managed block to be removed")
	}
	if strings.Contains(updated, "PUBKEY123=") {
		t.Fatalf("managed block not excised: %q", updated)
	}
	if !strings.Contains(updated, "MANUALPEER=") {
		t.Fatalf("manual peer block should be preserved: %q", updated)
	}
	if !strings.Contains(updated, "[Interface]") {
		t.Fatalf("interface section should be preserved: %q", updated)
	}
}

func TestExciseBlockNoMatch(t *testing.T) {
	existing := managedBlock("OTHERKEY=", "10.8.0.6", 32, 7)
	_, removed := exciseBlock(existing, "MISSINGKEY=")
	if removed {
		t.Fatalf("expected no removal for non-matching key")
	}
}

func TestBuildClientConfig(t *testing.T) {
	m := NewPeerManager(Config{
		ServerPublicKey: "SERVERPUB=",
		ServerEndpoint:  "vpn.example.com:51820",
		ClientDNS:       "1.1.1.1",
	}, nil)

	cfg := m.BuildClientConfig("CLIENTPRIV=", "10.8.0.2")
	for _, want := range []string{
		"PrivateKey = CLIENTPRIV=",
		"Address = 10.8.0.2/32",
		"PublicKey = SERVERPUB=",
		"Endpoint = vpn.example.com:51820",
		"AllowedIPs = 0.0.0.0/0",
		"PersistentKeepalive = 25",
	} {
		if !strings.Contains(cfg, want) {
			t.Fatalf("client config missing %q:\n%s", want, cfg)
		}
	}
}
