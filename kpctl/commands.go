package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/spf13/pflag"

	"github.com/thialfihar/python-keepass-httpd/auth"
	"github.com/thialfihar/python-keepass-httpd/bootstrap"
	"github.com/thialfihar/python-keepass-httpd/config"
	"github.com/thialfihar/python-keepass-httpd/sealing"
)

var commands = map[string]command{
	"gen-salt": {
		summary: "print a random base64 salt for sealing.salt",
		usage:   "[--bytes N]",
		flags: func(fs *pflag.FlagSet) {
			fs.Int("bytes", 16, "salt length in bytes (at least 16)")
		},
		run: runGenSalt,
	},
	"add-client": {
		summary: "register a client key, generating one if none is given",
		usage:   "<client-id> [--key BASE64]",
		flags: func(fs *pflag.FlagSet) {
			fs.String("key", "", "base64 32-byte client key")
		},
		run: runAddClient,
	},
	"remove-client": {
		summary: "remove a registered client",
		usage:   "<client-id>",
		run:     runRemoveClient,
	},
	"list-clients": {
		summary: "list registered client IDs",
		run:     runListClients,
	},
	"backup": {
		summary: "write a credential snapshot to the backup bucket",
		run:     runBackup,
	},
	"restore": {
		summary: "restore credentials from a snapshot (latest by default)",
		usage:   "[--key OBJECT-KEY]",
		flags: func(fs *pflag.FlagSet) {
			fs.String("key", "", "snapshot object key")
		},
		run: runRestore,
	},
	"seal-dek": {
		summary: "generate a DEK with KMS and write its encrypted blob",
		usage:   "--out FILE [--kms-key-id ID] [--region REGION]",
		flags: func(fs *pflag.FlagSet) {
			fs.String("out", "", "file to write the encrypted DEK to")
			fs.String("kms-key-id", "", "KMS key ID or alias (default: sealing.kms_key_id)")
			fs.String("region", "", "AWS region (default: sealing.region)")
		},
		run: runSealDEK,
	},
}

func runGenSalt(ctx context.Context, env *cmdEnv, args []string) error {
	n, _ := env.fs.GetInt("bytes")
	if n < 16 {
		return fmt.Errorf("salt must be at least 16 bytes")
	}
	salt := make([]byte, n)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	fmt.Fprintln(env.out, base64.StdEncoding.EncodeToString(salt))
	return nil
}

// openStores loads the configuration and opens its stores.
func openStores(ctx context.Context, env *cmdEnv) (*config.Config, *bootstrap.Stores, error) {
	cfg, err := env.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	stores, err := bootstrap.Open(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, stores, nil
}

func oneArg(env *cmdEnv, args []string, what string) (string, error) {
	if len(args) != 1 || args[0] == "" {
		env.fs.Usage()
		return "", fmt.Errorf("expected exactly one %s", what)
	}
	return args[0], nil
}

func runAddClient(ctx context.Context, env *cmdEnv, args []string) error {
	id, err := oneArg(env, args, "client ID")
	if err != nil {
		return err
	}

	encoded, _ := env.fs.GetString("key")
	var key []byte
	if encoded == "" {
		key = make([]byte, auth.KeySize)
		if _, err := rand.Read(key); err != nil {
			return fmt.Errorf("failed to generate key: %w", err)
		}
		encoded = base64.StdEncoding.EncodeToString(key)
	} else {
		key, err = base64.StdEncoding.DecodeString(encoded)
		if err != nil || len(key) != auth.KeySize {
			return fmt.Errorf("--key must be base64 of %d bytes", auth.KeySize)
		}
	}
	defer sealing.Zero(key)

	_, stores, err := openStores(ctx, env)
	if err != nil {
		return err
	}
	defer stores.Close()

	if err := stores.Registry.Store(ctx, id, key); err != nil {
		return fmt.Errorf("failed to store client: %w", err)
	}
	fmt.Fprintf(env.out, "%s\t%s\n", id, encoded)
	return nil
}

func runRemoveClient(ctx context.Context, env *cmdEnv, args []string) error {
	id, err := oneArg(env, args, "client ID")
	if err != nil {
		return err
	}
	_, stores, err := openStores(ctx, env)
	if err != nil {
		return err
	}
	defer stores.Close()

	return stores.RemoveClient(ctx, id)
}

func runListClients(ctx context.Context, env *cmdEnv, args []string) error {
	_, stores, err := openStores(ctx, env)
	if err != nil {
		return err
	}
	defer stores.Close()

	ids, err := stores.ListClients(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Fprintln(env.out, id)
	}
	return nil
}

func runBackup(ctx context.Context, env *cmdEnv, args []string) error {
	cfg, stores, err := openStores(ctx, env)
	if err != nil {
		return err
	}
	defer stores.Close()

	m, err := bootstrap.BackupManager(ctx, cfg, stores)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("backups are not configured (backup.bucket is empty)")
	}
	key, err := m.Create(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(env.out, key)
	return nil
}

func runRestore(ctx context.Context, env *cmdEnv, args []string) error {
	cfg, stores, err := openStores(ctx, env)
	if err != nil {
		return err
	}
	defer stores.Close()

	m, err := bootstrap.BackupManager(ctx, cfg, stores)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("backups are not configured (backup.bucket is empty)")
	}
	key, _ := env.fs.GetString("key")
	n, err := m.Restore(ctx, key)
	if err != nil {
		return err
	}
	fmt.Fprintf(env.out, "restored %d credentials\n", n)
	return nil
}

func runSealDEK(ctx context.Context, env *cmdEnv, args []string) error {
	out, _ := env.fs.GetString("out")
	if out == "" {
		env.fs.Usage()
		return fmt.Errorf("--out is required")
	}

	cfg, err := config.LoadConfig(env.configPath)
	if err != nil {
		return err
	}
	keyID, _ := env.fs.GetString("kms-key-id")
	if keyID == "" {
		keyID = cfg.Sealing.KMSKeyID
	}
	if keyID == "" {
		return fmt.Errorf("--kms-key-id or sealing.kms_key_id is required")
	}
	region, _ := env.fs.GetString("region")
	if region == "" {
		region = cfg.Sealing.Region
	}

	awsCfg, err := bootstrap.AWSConfig(ctx, region)
	if err != nil {
		return err
	}
	return sealDEK(ctx, sealing.NewKMSClient(kms.NewFromConfig(awsCfg), keyID), out)
}

type dekGenerator interface {
	GenerateDEK(ctx context.Context) (plaintext, ciphertext []byte, err error)
}

// sealDEK writes a fresh KMS-encrypted DEK to path. The file must not exist.
func sealDEK(ctx context.Context, gen dekGenerator, path string) error {
	plaintext, ciphertext, err := gen.GenerateDEK(ctx)
	if err != nil {
		return err
	}
	sealing.Zero(plaintext)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := f.Write(ciphertext); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}
