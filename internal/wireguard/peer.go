// Package wireguard implements the Peer Manager (C1): it owns the mapping
// between WireGuard public keys and allocated client IPs on the managed
// gateway, both in the running kernel interface and in the persisted
// configuration file.
package wireguard

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
)

// Config carries the pool shape and tool paths the Peer Manager needs. It is
// populated from internal/config at startup.
type Config struct {
	InterfaceName      string
	ServerPublicKey    string
	ServerEndpoint     string
	ClientNetworkCIDR  string // e.g. "10.8.0.0/16"
	ClientIPStart      string // e.g. "10.8.0.2", server itself occupies .1
	ClientDNS          string
	ConfigPath         string
	ConfigLockPath     string
	AdvisoryLockID     int64
	WGBinary           string // defaults to "wg"
}

// PeerManager is the C1 component. It is safe for concurrent use: IP
// allocation serializes through a Postgres advisory lock, config file writes
// serialize through an OS file lock.
type PeerManager struct {
	cfg  Config
	pool *pgxpool.Pool
}

func NewPeerManager(cfg Config, pool *pgxpool.Pool) *PeerManager {
	if cfg.WGBinary == "" {
		cfg.WGBinary = "wg"
	}
	return &PeerManager{cfg: cfg, pool: pool}
}

// GenerateKeypair shells out to the wg tool to produce a fresh private/public
// keypair. Both are opaque base64 strings to the rest of the core.
func (m *PeerManager) GenerateKeypair(ctx context.Context) (private, public string, err error) {
	priv, err := m.run(ctx, "genkey")
	if err != nil {
		return "", "", fmt.Errorf("wireguard: generate private key: %w", err)
	}
	private = strings.TrimSpace(priv)

	pub, err := m.runWithStdin(ctx, private, "pubkey")
	if err != nil {
		return "", "", fmt.Errorf("wireguard: derive public key: %w", err)
	}
	public = strings.TrimSpace(pub)

	return private, public, nil
}

// probeInterfaceUp verifies the managed interface responds before any
// mutation is attempted. A failure here is ErrGatewayDown and must not be
// swallowed by the caller.
func (m *PeerManager) probeInterfaceUp(ctx context.Context) error {
	_, err := m.run(ctx, "show", m.cfg.InterfaceName)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGatewayDown, err)
	}
	return nil
}

// AddPeer adds public_key/ip to the live interface and appends a managed
// block to the persisted config file. Live-interface failure is fatal
// (ErrGatewayDown); config-file failures are logged but not returned, per
// spec §4.1 ("runtime state is authoritative").
func (m *PeerManager) AddPeer(ctx context.Context, publicKey, clientIP string, tgUserID int64) error {
	if err := m.probeInterfaceUp(ctx); err != nil {
		return err
	}

	allowedIP := fmt.Sprintf("%s/32", clientIP)
	_, err := m.run(ctx, "set", m.cfg.InterfaceName, "peer", publicKey, "allowed-ips", allowedIP)
	if err != nil {
		return fmt.Errorf("%w: set peer: %v", ErrGatewayDown, err)
	}

	if err := m.appendManagedBlock(publicKey, clientIP, tgUserID); err != nil {
		slog.Error("wireguard: failed to persist peer block, runtime state is authoritative",
			"publicKey", publicKey, "tgUserID", tgUserID, "error", err)
	}

	return nil
}

// RemovePeer removes public_key from the live interface and excises its
// managed block from the config file, preserving everything else
// (the [Interface] section, manually-added peers, other managed blocks).
func (m *PeerManager) RemovePeer(ctx context.Context, publicKey string) error {
	if err := m.probeInterfaceUp(ctx); err != nil {
		return err
	}

	_, err := m.run(ctx, "set", m.cfg.InterfaceName, "peer", publicKey, "remove")
	if err != nil {
		return fmt.Errorf("%w: remove peer: %v", ErrGatewayDown, err)
	}

	if err := m.removeManagedBlock(publicKey); err != nil && err != ErrPeerNotFound {
		slog.Error("wireguard: failed to remove peer block from config file",
			"publicKey", publicKey, "error", err)
	}

	return nil
}

// BuildClientConfig renders the well-known client config text for a
// provisioned peer.
func (m *PeerManager) BuildClientConfig(privateKey, clientIP string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", privateKey)
	fmt.Fprintf(&b, "Address = %s/32\n", clientIP)
	fmt.Fprintf(&b, "DNS = %s\n\n", m.cfg.ClientDNS)
	fmt.Fprintf(&b, "[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", m.cfg.ServerPublicKey)
	fmt.Fprintf(&b, "Endpoint = %s\n", m.cfg.ServerEndpoint)
	fmt.Fprintf(&b, "AllowedIPs = 0.0.0.0/0\n")
	fmt.Fprintf(&b, "PersistentKeepalive = 25\n")
	return b.String()
}

func (m *PeerManager) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, m.cfg.WGBinary, args...)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s: %w: %s", m.cfg.WGBinary, strings.Join(args, " "), err, stderr.String())
	}
	return out.String(), nil
}

func (m *PeerManager) runWithStdin(ctx context.Context, stdin string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, m.cfg.WGBinary, args...)
	cmd.Stdin = strings.NewReader(stdin)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s: %w: %s", m.cfg.WGBinary, strings.Join(args, " "), err, stderr.String())
	}
	return out.String(), nil
}
