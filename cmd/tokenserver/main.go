// Command tokenserver is the out-of-band authority spec.md §4.1 assumes
// exists: it authenticates a caller (JWT, per the teacher's
// internal/auth), mints a ConnectToken sealed under the shared
// authority key, and hands the opaque bytes back for the caller to
// forward to its game client. It never touches a session directly.
package main

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/packetloop/netcode/internal/auth"
	"github.com/packetloop/netcode/internal/config"
	"github.com/packetloop/netcode/internal/ncrypto"
	"github.com/packetloop/netcode/internal/token"
)

func main() {
	cfg, err := config.Load(nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tokenserver: config:", err)
		os.Exit(1)
	}
	logger := cfg.Logger()
	cfg.LogConfig(logger)

	authorityKey, err := cfg.AuthorityKey()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load authority key")
	}
	if cfg.JWTSigningKey == "" {
		logger.Fatal().Msg("NETCODE_JWT_SIGNING_KEY is required")
	}

	jwtManager := auth.NewJWTManager(cfg.JWTSigningKey, time.Hour)
	issuer := &tokenIssuer{
		authorityKey: authorityKey,
		serverAddr:   cfg.ListenAddr,
		protocolID:   cfg.ProtocolID,
		timeout:      cfg.TimeoutSeconds,
		nonce:        randomUint64Seed(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/token", jwtManager.AuthMiddleware(issuer.handle))

	srv := &http.Server{Addr: cfg.TokenServerAddr, Handler: mux}

	go func() {
		logger.Info().Str("addr", cfg.TokenServerAddr).Msg("token authority listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("token authority failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info().Msg("shutting down token authority")
	_ = srv.Close()
}

// tokenIssuer mints ConnectTokens for authenticated callers. nonce is
// incremented atomically so concurrent HTTP handlers never reuse one,
// which would let the session layer's single-use check reject a
// legitimate second connection attempt from the same minting second.
type tokenIssuer struct {
	authorityKey ncrypto.Key
	serverAddr   string
	protocolID   uint64
	timeout      int32
	nonce        uint64
}

func (ti *tokenIssuer) nextNonce() uint64 { return atomic.AddUint64(&ti.nonce, 1) }

type tokenResponse struct {
	Token string `json:"token"`
}

func (ti *tokenIssuer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok || claims == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	now := time.Now()
	clientKey, err := ncrypto.GenerateKey()
	if err != nil {
		http.Error(w, "failed to mint token", http.StatusInternalServerError)
		return
	}
	serverKey, err := ncrypto.GenerateKey()
	if err != nil {
		http.Error(w, "failed to mint token", http.StatusInternalServerError)
		return
	}

	t := &token.ConnectToken{
		ProtocolID:      ti.protocolID,
		Nonce:           ti.nextNonce(),
		CreateTime:      now,
		ExpireTime:      now.Add(30 * time.Second),
		TimeoutSeconds:  ti.timeout,
		ServerAddresses: []string{ti.serverAddr},
		ClientKey:       clientKey,
		ServerKey:       serverKey,
	}
	copy(t.UserData[:], claims.UserID)

	data, err := token.Encode(t, ti.authorityKey)
	if err != nil {
		http.Error(w, "failed to seal token", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tokenResponse{Token: hex.EncodeToString(data)})
}

func randomUint64Seed() uint64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return uint64(time.Now().UnixNano())
	}
	return binary.LittleEndian.Uint64(buf[:])
}
