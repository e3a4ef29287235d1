// finctl is a command-line driver for the session engine: it logs in against
// the API, keeps the credential in a shared store, and issues authenticated
// wallet calls through the interceptor pipeline. Useful for smoke-testing an
// environment and for operating a headless session.
package main

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"finbridge.org/internal/config"
	"finbridge.org/internal/credstore"
	"finbridge.org/internal/obs"
	"finbridge.org/internal/rbac"
	"finbridge.org/internal/rbac/pgcatalog"
	"finbridge.org/internal/session"
	"finbridge.org/internal/token"
	"finbridge.org/internal/transport"
	"finbridge.org/internal/wallet"
)

var version = "0.3.0"

func main() {
	_ = godotenv.Load()
	obs.Init()
	obs.InitBuildInfo(version, "")

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	store, closeStore := openStore(cfg)
	defer closeStore()

	mgr, err := session.New(store, session.Config{
		BaseURL:      cfg.APIURL,
		ExpiryBuffer: cfg.ExpiryBuffer,
		RenewTimeout: cfg.RenewTimeout,
	})
	if err != nil {
		log.Fatalf("session: %v", err)
	}
	defer mgr.Close()

	pipe, err := transport.New(mgr)
	if err != nil {
		log.Fatalf("transport: %v", err)
	}
	httpc := pipe.Client(cfg.HTTPTimeout)

	ctx := context.Background()
	cmd, args := os.Args[1], os.Args[2:]

	switch cmd {
	case "login":
		err = runLogin(ctx, mgr, args)
	case "logout":
		err = mgr.Logout(ctx)
	case "whoami":
		err = runWhoami(mgr)
	case "token":
		err = runToken(ctx, mgr)
	case "can":
		err = runCan(ctx, cfg, mgr, args)
	case "accounts":
		err = runAccounts(ctx, cfg, httpc)
	case "transfer":
		err = runTransfer(ctx, cfg, httpc, args)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: finctl <command> [args]

  login <email>                      authenticate (password read from stdin)
  logout                             end the session everywhere
  whoami                             show session state and profile
  token                              print a non-expired access token
  can <permission> [resource]        check effective permissions (needs FINBRIDGE_PG_DSN)
  accounts                           list wallet accounts
  transfer <from> <to> <ccy> <amt>   submit a transfer`)
}

// openStore picks the credential backend: redis when configured, else the
// sealed file, else process-local memory.
func openStore(cfg config.Config) (credstore.Store, func()) {
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		opts := []credstore.RedisOption{}
		if cfg.RedisNamespace != "" {
			opts = append(opts, credstore.WithNamespace(cfg.RedisNamespace))
		}
		store, err := credstore.NewRedis(client, opts...)
		if err != nil {
			log.Fatalf("redis store: %v", err)
		}
		return store, func() {
			store.Close()
			_ = client.Close()
		}
	}
	if cfg.CredFile != "" {
		key, err := cfg.CredKey()
		if err != nil {
			log.Fatalf("cred key: %v", err)
		}
		store, err := credstore.NewFile(cfg.CredFile, key)
		if err != nil {
			log.Fatalf("file store: %v", err)
		}
		return store, store.Close
	}
	return credstore.NewMemory(), func() {}
}

func runLogin(ctx context.Context, mgr *session.Manager, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: finctl login <email>")
	}
	fmt.Fprint(os.Stderr, "password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return err
	}
	profile, err := mgr.Login(ctx, args[0], strings.TrimSpace(line))
	if err != nil {
		return err
	}
	fmt.Printf("logged in as %s (%s)\n", profile.Email, strings.Join(profile.Roles, ","))
	return nil
}

func runWhoami(mgr *session.Manager) error {
	snap := mgr.Current()
	fmt.Printf("state: %s\n", snap.State)
	if snap.Profile.ID != "" {
		fmt.Printf("user:  %s <%s>\n", snap.Profile.DisplayName, snap.Profile.Email)
		fmt.Printf("roles: %s\n", strings.Join(snap.Profile.Roles, ","))
	}
	return nil
}

func runToken(ctx context.Context, mgr *session.Manager) error {
	tok, err := mgr.Token(ctx)
	if err != nil {
		return err
	}
	if claims, ok := token.Decode(tok); ok {
		fmt.Fprintf(os.Stderr, "subject %s, expires %s\n", claims.Subject, claims.ExpiresAt)
	}
	fmt.Println(tok)
	return nil
}

func runCan(ctx context.Context, cfg config.Config, mgr *session.Manager, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("usage: finctl can <permission> [resource]")
	}
	if cfg.PGDSN == "" {
		return errors.New("FINBRIDGE_PG_DSN is required for permission checks")
	}
	db, err := sql.Open("pgx", cfg.PGDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	catalog, err := pgcatalog.Load(ctx, db)
	if err != nil {
		return err
	}
	resolver := rbac.NewResolver(catalog)

	roles := mgr.Current().Profile.Roles
	resource := ""
	if len(args) == 2 {
		resource = args[1]
	}
	if resolver.HasPermission(roles, args[0], resource) {
		fmt.Println("allowed")
		return nil
	}
	fmt.Println("denied")
	os.Exit(1)
	return nil
}

func runAccounts(ctx context.Context, cfg config.Config, httpc *http.Client) error {
	client, err := wallet.NewClient(cfg.APIURL, httpc)
	if err != nil {
		return err
	}
	accounts, err := client.Accounts(ctx)
	if err != nil {
		return err
	}
	for _, acc := range accounts {
		fmt.Printf("%s  %s\n", acc.ID, acc.Name)
		for ccy, amount := range acc.Balances {
			fmt.Printf("    %s %d\n", ccy, amount)
		}
	}
	return nil
}

func runTransfer(ctx context.Context, cfg config.Config, httpc *http.Client, args []string) error {
	if len(args) != 4 {
		return errors.New("usage: finctl transfer <from> <to> <currency> <amount>")
	}
	amount, err := strconv.ParseInt(args[3], 10, 64)
	if err != nil {
		return fmt.Errorf("amount: %w", err)
	}
	client, err := wallet.NewClient(cfg.APIURL, httpc)
	if err != nil {
		return err
	}
	tx, err := client.CreateTransfer(ctx, wallet.TransferRequest{
		FromAccountID: args[0],
		ToAccountID:   args[1],
		Currency:      args[2],
		Amount:        amount,
	})
	if err != nil {
		return err
	}
	fmt.Printf("transfer %s: %s -> %s %s %d\n", tx.ID, tx.FromAccountID, tx.ToAccountID, tx.Currency, tx.Amount)
	return nil
}
