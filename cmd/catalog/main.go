// Command catalog manages the router's catalog database.
//
// Usage:
//
//	catalog migrate
//	catalog seed <file.yaml>
//	catalog encrypt-credential [-provider ID -scope org|team|env -scope-id ID] [-value SECRET]
//
// DATABASE_URL and CREDENTIAL_ENCRYPTION_KEY are read from the environment
// (or .env) and may be overridden with -db and -key. encrypt-credential reads
// the secret from stdin when -value is omitted; without -provider it only
// prints the sealed value.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/subosito/gotenv"
	"gorm.io/gorm"

	"github.com/nulpointcorp/llm-router/internal/catalog"
	"github.com/nulpointcorp/llm-router/internal/credentials"
)

const defaultDatabaseURL = "file:router.db?cache=shared"

func main() {
	_ = gotenv.Load(".env")

	if err := run(context.Background(), os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "catalog: %v\n", err)
		os.Exit(1)
	}
}

var errUsage = errors.New("usage: catalog <migrate|seed|encrypt-credential> [flags]")

func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}

	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dsn := fs.String("db", envOr("DATABASE_URL", defaultDatabaseURL), "catalog database DSN")
	key := fs.String("key", os.Getenv("CREDENTIAL_ENCRYPTION_KEY"), "credential encryption master secret")

	switch args[0] {
	case "migrate":
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		db, err := openMigrated(*dsn)
		if err != nil {
			return err
		}
		defer closeDB(db)
		fmt.Fprintln(stdout, "catalog migrated")
		return nil

	case "seed":
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if fs.NArg() != 1 {
			return errors.New("usage: catalog seed <file.yaml>")
		}
		return seed(ctx, *dsn, *key, fs.Arg(0), stdout)

	case "encrypt-credential":
		provider := fs.String("provider", "", "provider id to store the credential for")
		scope := fs.String("scope", string(catalog.ScopeOrganization), "credential scope: org, team or env")
		scopeID := fs.String("scope-id", "", "organization, team or environment id")
		id := fs.String("id", "", "credential id (default: <provider>-<scope>-<scope-id>)")
		value := fs.String("value", "", "plaintext secret; read from stdin when empty")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		return encryptCredential(ctx, credentialArgs{
			dsn:      *dsn,
			key:      *key,
			provider: *provider,
			scope:    catalog.Scope(*scope),
			scopeID:  *scopeID,
			id:       *id,
			value:    *value,
		}, stdin, stdout)

	default:
		return fmt.Errorf("unknown command %q; %w", args[0], errUsage)
	}
}

func seed(ctx context.Context, dsn, key, path string, stdout io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()

	var sealer catalog.Sealer
	if key != "" {
		enc, err := credentials.NewAESGCM(key)
		if err != nil {
			return err
		}
		sealer = enc
	}

	db, err := openMigrated(dsn)
	if err != nil {
		return err
	}
	defer closeDB(db)

	stats, err := catalog.Seed(ctx, db, f, sealer)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "seeded %d rows from %s\n", stats.Rows, path)
	return nil
}

type credentialArgs struct {
	dsn      string
	key      string
	provider string
	scope    catalog.Scope
	scopeID  string
	id       string
	value    string
}

func encryptCredential(ctx context.Context, a credentialArgs, stdin io.Reader, stdout io.Writer) error {
	if a.key == "" {
		return errors.New("CREDENTIAL_ENCRYPTION_KEY (or -key) is required")
	}
	enc, err := credentials.NewAESGCM(a.key)
	if err != nil {
		return err
	}

	value := a.value
	if value == "" {
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read secret: %w", err)
		}
		value = strings.TrimSpace(line)
	}
	if value == "" {
		return errors.New("empty secret")
	}

	if a.provider == "" {
		sealed, err := enc.Encrypt(value)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, sealed)
		return nil
	}

	cred := catalog.ProviderCredential{ProviderID: a.provider, Scope: a.scope, Value: value}
	switch a.scope {
	case catalog.ScopeOrganization:
		cred.OrganizationID = a.scopeID
	case catalog.ScopeTeam:
		cred.TeamID = a.scopeID
	case catalog.ScopeEnvironment:
		cred.EnvironmentID = a.scopeID
	default:
		return fmt.Errorf("invalid scope %q; must be one of: org, team, env", a.scope)
	}
	if a.scopeID == "" {
		return errors.New("-scope-id is required with -provider")
	}
	cred.ID = a.id
	if cred.ID == "" {
		cred.ID = fmt.Sprintf("%s-%s-%s", a.provider, a.scope, a.scopeID)
	}

	db, err := openMigrated(a.dsn)
	if err != nil {
		return err
	}
	defer closeDB(db)

	doc := &catalog.SeedDocument{Credentials: []catalog.ProviderCredential{cred}}
	if _, err := catalog.Apply(ctx, db, doc, enc); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "stored credential %s (%s)\n", cred.ID, credentials.MaskKey(value))
	return nil
}

func openMigrated(dsn string) (*gorm.DB, error) {
	db, err := catalog.Open(dsn)
	if err != nil {
		return nil, err
	}
	if err := catalog.Migrate(db); err != nil {
		closeDB(db)
		return nil, err
	}
	return db, nil
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
