package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tidwall/gjson"
	"github.com/weftchat/weft/internal/config"
	"github.com/weftchat/weft/internal/e2ee"
	"github.com/weftchat/weft/internal/logging"
	"github.com/weftchat/weft/internal/storage"
	"github.com/weftchat/weft/internal/transport"
)

var Version = "dev"

func usage() {
	fmt.Fprintln(os.Stderr, `usage: weft <command>

commands:
  rooms     list stored room summaries
  pending   list pending key-share operations
  backup    check the server key backup against the recovery passphrase`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	if err := run(os.Args[1]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(command string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.WithComponent(logging.NewLogger(cfg.Environment), "cli")
	logger.Info("weft starting",
		slog.String("version", Version),
		slog.String("command", command),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch command {
	case "rooms":
		return listRooms(cfg, logger)
	case "pending":
		return listPendingShares(cfg, logger)
	case "backup":
		return checkBackup(ctx, cfg, logger)
	default:
		usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

// listRooms prints every stored room summary.
func listRooms(cfg *config.Config, logger *slog.Logger) error {
	store, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	txn, err := store.ReadTxn(storage.StoreRoomSummary)
	if err != nil {
		return err
	}
	defer txn.Abort()

	roomIDs, err := txn.RoomSummaries().AllRoomIDs()
	if err != nil {
		return fmt.Errorf("listing rooms: %w", err)
	}

	for _, roomID := range roomIDs {
		var summary struct {
			Name              string `json:"name"`
			Membership        string `json:"membership"`
			IsUnread          bool   `json:"is_unread"`
			NotificationCount int    `json:"notification_count"`
			Encrypted         any    `json:"encryption"`
		}

		if _, err := txn.RoomSummaries().GetInto(roomID, &summary); err != nil {
			return fmt.Errorf("reading summary for %s: %w", roomID, err)
		}

		fmt.Printf("%s\t%s\tmembership=%s unread=%v notifications=%d encrypted=%v\n",
			roomID, summary.Name, summary.Membership, summary.IsUnread,
			summary.NotificationCount, summary.Encrypted != nil)
	}

	logger.Info("rooms listed", slog.Int("count", len(roomIDs)))

	return nil
}

// listPendingShares prints key-share operations that were persisted but
// not yet confirmed delivered. A non-empty list after a clean shutdown
// means the next start will retry them.
func listPendingShares(cfg *config.Config, logger *slog.Logger) error {
	store, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	txn, err := store.ReadTxn(storage.StoreOperations)
	if err != nil {
		return err
	}
	defer txn.Abort()

	ops, err := txn.Operations().AllByType(e2ee.OpTypeShareRoomKey)
	if err != nil {
		return fmt.Errorf("listing operations: %w", err)
	}

	for _, op := range ops {
		fmt.Printf("%s\troom=%s users=%d\n", op.ID, op.Scope, len(op.UserIDs))
	}

	logger.Info("pending key shares listed", slog.Int("count", len(ops)))

	return nil
}

// checkBackup fetches the current server key backup and verifies the
// configured recovery passphrase derives its public key.
func checkBackup(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.BackupPassphrase == "" {
		return fmt.Errorf("WEFT_BACKUP_PASSPHRASE is not set")
	}

	client := transport.NewClient(nil, cfg.HomeserverURL, cfg.AccessToken)

	info, err := client.GetLatestBackupVersion(ctx)
	if err != nil {
		return err
	}

	logger.Info("server key backup",
		slog.String("version", info.Version),
		slog.String("algorithm", info.Algorithm),
		slog.Int("count", info.Count),
	)

	salt := gjson.GetBytes(info.AuthData, "private_key_salt").String()
	serverPublicKey := gjson.GetBytes(info.AuthData, "public_key").String()

	key, err := e2ee.RecoveryKeyFromPassphrase(cfg.BackupPassphrase, salt)
	if err != nil {
		return fmt.Errorf("deriving recovery key: %w", err)
	}

	derived := base64.StdEncoding.EncodeToString(key.PublicKey())
	if derived != serverPublicKey {
		return fmt.Errorf("recovery passphrase does not match backup version %s", info.Version)
	}

	fmt.Printf("backup %s ok: recovery passphrase matches\n", info.Version)

	return nil
}
