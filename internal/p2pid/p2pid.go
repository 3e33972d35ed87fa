// Package p2pid mints a persistent libp2p peer identity for the sync
// daemon and resolves "braid+p2p://" sync URLs to a direct libp2p
// stream. Everything else in the fabric talks plain HTTP, but a
// braid+p2p:// URL names a peer directly rather than an HTTP origin,
// so the client needs a real transport underneath it before falling
// back to plain HTTP.
package p2pid

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/braidfs/braidfs/internal/braiderr"
)

// FetchProtocol is the libp2p protocol ID a braid+p2p:// fetch is
// carried over.
const FetchProtocol = "/braid/fetch/1.0.0"

const identityFileName = "p2p_identity.json"

// persistedIdentity is the on-disk shape of a saved ed25519 key.
type persistedIdentity struct {
	PrivKey []byte `json:"priv_key"`
	PeerID  string `json:"peer_id"`
}

// Identity wraps a libp2p host bound to a persistent ed25519 key.
type Identity struct {
	Host host.Host
}

// LoadOrCreate loads a persisted identity from {root}/.braidfs/p2p_identity.json
// or mints and saves a fresh ed25519 key, then starts a libp2p host
// bound to it with a stream handler for FetchProtocol.
func LoadOrCreate(root string, handle func(body []byte) []byte) (*Identity, error) {
	path := identityPath(root)
	priv, err := loadOrGenerateKey(path)
	if err != nil {
		return nil, err
	}

	h, err := libp2p.New(libp2p.Identity(priv))
	if err != nil {
		return nil, braiderr.Wrap(braiderr.KindTransport, "P2P_HOST", "starting libp2p host", err)
	}

	h.SetStreamHandler(FetchProtocol, func(s network.Stream) {
		defer s.Close()
		data, _ := io.ReadAll(bufio.NewReader(s))
		if handle != nil {
			if resp := handle(data); resp != nil {
				s.Write(resp)
			}
		}
	})

	return &Identity{Host: h}, nil
}

func identityPath(root string) string {
	return root + string(os.PathSeparator) + ".braidfs" + string(os.PathSeparator) + identityFileName
}

func loadOrGenerateKey(path string) (crypto.PrivKey, error) {
	if raw, err := os.ReadFile(path); err == nil {
		var pid persistedIdentity
		if err := json.Unmarshal(raw, &pid); err != nil {
			return nil, braiderr.Wrap(braiderr.KindProtocol, "BAD_P2P_IDENTITY", "parsing p2p identity", err)
		}
		return crypto.UnmarshalPrivateKey(pid.PrivKey)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, braiderr.Wrap(braiderr.KindTransport, "P2P_KEYGEN", "generating ed25519 identity", err)
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	privBytes, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(persistedIdentity{PrivKey: privBytes, PeerID: id.String()})
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dirOf(path), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, braiderr.Wrap(braiderr.KindIO, "P2P_IDENTITY_SAVE", "saving p2p identity", err)
	}
	return priv, nil
}

func dirOf(path string) string {
	idx := strings.LastIndexByte(path, os.PathSeparator)
	if idx < 0 {
		return "."
	}
	return path[:idx]
}

// IsP2PURL reports whether rawURL uses the braid+p2p:// scheme this
// package resolves directly, rather than falling through to plain
// HTTP.
func IsP2PURL(rawURL string) bool {
	return strings.HasPrefix(rawURL, "braid+p2p://")
}

// SplitP2PURL splits a braid+p2p://{multiaddr}#{path} URL into its
// multiaddr and resource-path components; path is "/" if no "#" is
// present.
func SplitP2PURL(rawURL string) (multiaddr, path string) {
	rest := strings.TrimPrefix(rawURL, "braid+p2p://")
	if idx := strings.IndexByte(rest, '#'); idx >= 0 {
		return rest[:idx], rest[idx+1:]
	}
	return rest, "/"
}

// Fetch resolves a braid+p2p://{peer-multiaddr}#{path} URL to a
// direct libp2p stream, writes req, and returns whatever bytes the
// remote peer's FetchProtocol handler sends back. The resource path
// rides after a "#" rather than as a literal path segment because a
// libp2p multiaddr's own grammar uses "/" as a component separator and
// cannot carry an arbitrary URL path suffix.
func (id *Identity) Fetch(ctx context.Context, rawURL string, req []byte) ([]byte, error) {
	addr, _ := SplitP2PURL(rawURL)
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return nil, braiderr.Wrap(braiderr.KindProtocol, "BAD_P2P_URL", fmt.Sprintf("parsing %q", rawURL), err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return nil, braiderr.Wrap(braiderr.KindProtocol, "BAD_P2P_ADDR", "resolving peer address", err)
	}
	if err := id.Host.Connect(ctx, *info); err != nil {
		return nil, braiderr.Transient("p2p-connect", err)
	}
	stream, err := id.Host.NewStream(ctx, info.ID, FetchProtocol)
	if err != nil {
		return nil, braiderr.Transient("p2p-newstream", err)
	}
	defer stream.Close()
	if _, err := stream.Write(req); err != nil {
		return nil, braiderr.Transient("p2p-write", err)
	}
	// Half-close so the remote's ReadAll sees EOF and replies.
	if err := stream.CloseWrite(); err != nil {
		return nil, braiderr.Transient("p2p-closewrite", err)
	}
	return io.ReadAll(stream)
}

// Close shuts down the underlying libp2p host.
func (id *Identity) Close() error {
	return id.Host.Close()
}
