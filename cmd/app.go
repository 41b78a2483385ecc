package cmd

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"pqchat/config"
	"pqchat/crypto"
	"pqchat/engine"
	"pqchat/network"
	"pqchat/session"
	"pqchat/storage"
	"pqchat/vault"
)

// app is the opened local state shared by every command.
type app struct {
	cfg        *config.EngineConfig
	cfgPath    string
	dataDir    string
	store      *storage.Store
	vault      *vault.Vault
	identity   engine.Identity
	storageKey []byte
	log        *logrus.Logger
}

func openApp(v *viper.Viper, logOut io.Writer) (*app, error) {
	dataDir := v.GetString(flagDataDir)
	if dataDir == "" {
		resolved, err := config.ResolveDataDir()
		if err != nil {
			return nil, err
		}
		dataDir = resolved
	}

	cfg, cfgPath, err := config.LoadOrCreateAt(dataDir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if level := v.GetString(flagLogLevel); level != "" {
		cfg.LogLevel = level
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetOutput(logOut)
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	logger.SetLevel(level)

	signingKey, signingPublic, err := crypto.EnsureEd25519KeyPair(cfg.SigningPrivateKeyPath, cfg.SigningPublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("prepare signing keypair: %w", err)
	}
	dsaKey, dsaPublic, err := crypto.EnsureMLDSAKeyPair(cfg.DSAPrivateKeyPath, cfg.DSAPublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("prepare ML-DSA keypair: %w", err)
	}
	kemPair, err := crypto.EnsureKEMKeyPair(cfg.KEMPrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("prepare KEM keypair: %w", err)
	}
	if err := crypto.SaveKEMPublicKey(cfg.KEMPublicKeyPath, kemPair.PublicKey); err != nil {
		return nil, err
	}
	storageKey, err := crypto.EnsureStorageKey(cfg.StorageKeyPath)
	if err != nil {
		return nil, fmt.Errorf("prepare storage key: %w", err)
	}

	keyMaterial := append(append([]byte(nil), signingPublic...), dsaPublic.Bytes()...)
	fingerprint := crypto.KeyFingerprint(append(keyMaterial, kemPair.PublicKey...))
	if cfg.KeyFingerprint != fingerprint {
		cfg.KeyFingerprint = fingerprint
		if err := config.Save(cfgPath, cfg); err != nil {
			return nil, fmt.Errorf("persist key fingerprint: %w", err)
		}
	}

	store, _, err := storage.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	vlt, err := vault.New(vault.Options{
		Store:            store,
		StorageKey:       storageKey,
		SyncEnabled:      cfg.SyncEnabled,
		ConflictStrategy: vault.ConflictStrategy(cfg.ConflictStrategy),
		Logger:           logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &app{
		cfg:     cfg,
		cfgPath: cfgPath,
		dataDir: dataDir,
		store:   store,
		vault:   vlt,
		identity: engine.Identity{
			ID:         cfg.UserID,
			KEM:        kemPair,
			SigningKey: crypto.SigningKeys{Ed25519: signingKey, MLDSA: dsaKey},
		},
		storageKey: storageKey,
		log:        logger,
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.log.WithError(err).Warn("Database close error")
	}
}

func (a *app) newEngine(transport network.Transport, observer engine.Observer) (*engine.Engine, error) {
	directory, err := engine.LoadDirectory(a.cfg.PeersDir)
	if err != nil {
		return nil, err
	}
	sessions, err := session.NewManager(session.Options{
		TTL:       a.cfg.SessionTTL(),
		CacheSize: a.cfg.SessionCacheSize,
		Logger:    a.log,
	})
	if err != nil {
		return nil, err
	}

	opts := engine.Options{
		Identity:       a.identity,
		Directory:      directory,
		Transport:      transport,
		Vault:          a.vault,
		Store:          a.store,
		Sessions:       sessions,
		SessionTTL:     a.cfg.SessionTTL(),
		MaxRetries:     a.cfg.MaxRetries,
		RetryBaseDelay: a.cfg.RetryBaseDelay(),
		DispatchRate:   a.cfg.DispatchRate,
		Observer:       observer,
		Logger:         a.log,
	}
	if a.cfg.DurableOutbox {
		opts.Outbox = a.store.Outbox(a.storageKey)
	}
	return engine.New(opts)
}
