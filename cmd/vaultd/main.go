package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	contextvault "github.com/contextvault/contextvault"
	"github.com/contextvault/contextvault/internal/config"
	"github.com/contextvault/contextvault/pkg/blob"
	"github.com/contextvault/contextvault/pkg/ledger"
	"github.com/contextvault/contextvault/pkg/logging"
	"github.com/contextvault/contextvault/pkg/session"
)

// stdinSigner echoes the binding message and accepts it. The signer
// boundary is where a wallet integration plugs in.
type stdinSigner struct{}

func (stdinSigner) Sign(_ context.Context, subject string, message []byte) ([]byte, error) {
	logging.Logger.Info("session approval", "subject", subject)
	return append([]byte("approved/"), message...), nil
}

// markerRelease is the development stand-in for the threshold
// service used when no key servers are reachable yet.
type markerRelease struct{}

func (markerRelease) Decrypt(_ context.Context, _ session.Session, ciphertext []byte) ([]byte, error) {
	plain, ok := strings.CutPrefix(string(ciphertext), "enc:")
	if !ok {
		return nil, os.ErrInvalid
	}
	return []byte(plain), nil
}

func (markerRelease) Ping(_ context.Context, _ string) error {
	return nil
}

func main() {
	configPath := flag.String("config", "vaultd.yaml", "path to config file")
	flag.Parse()

	log := logging.Logger

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("load config", "error", err)
		os.Exit(1)
	}

	blobs, err := blob.NewFileStore(cfg.DataPath + "/blobs")
	if err != nil {
		log.Error("open blob store", "error", err)
		os.Exit(1)
	}

	vault, err := contextvault.New(contextvault.Config{
		Paths:          []string{cfg.DataPath},
		MinimumFreeGB:  cfg.MinimumFreeGB,
		Logger:         log,
		PackageContext: cfg.PackageContext,
		SessionTTL:     cfg.ParsedSessionTTL(),
		Threshold:      cfg.Threshold,
		KeyServers:     cfg.KeyServers,
	}, ledger.NewMemoryLedger(nil), stdinSigner{}, markerRelease{}, blobs)
	if err != nil {
		log.Error("init vault", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := vault.Start(ctx); err != nil {
		log.Error("start vault", "error", err)
		os.Exit(1)
	}
	defer vault.Close()

	// Periodic sweep keeps the session cache bounded and terminates
	// lapsed pending consent requests.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if removed := vault.Sessions().CleanupExpired(); removed > 0 {
					log.Debug("session sweep", "removed", removed)
				}
				terminated, err := vault.Permissions().CleanupExpiredRequests(ctx)
				if err != nil {
					log.Error("consent request sweep", "error", err)
				} else if terminated > 0 {
					log.Debug("consent request sweep", "terminated", terminated)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	log.Info("vaultd running", "dataPath", cfg.DataPath)
	<-ctx.Done()
	log.Info("vaultd shutting down")
}
