package main

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"chatsync/config"
	"chatsync/internal/adapters/evolution"
	"chatsync/internal/avatars"
	"chatsync/internal/db"
	"chatsync/internal/identity"
	"chatsync/internal/services"
	"chatsync/internal/store"
)

// app holds the wired components of one process.
type app struct {
	cfg          *config.Config
	store        *store.DB
	remote       *evolution.Client
	progress     *services.GormProgressStore
	avatars      *avatars.Syncer
	orchestrator *services.Orchestrator
	delivery     *DeliveryManager
	rabbit       *RabbitPublisher
}

func newRemote(cfg *config.Config) (*evolution.Client, error) {
	remote, err := evolution.NewClient(cfg.EvolutionBaseURL, cfg.EvolutionAPIKey, cfg.RemoteTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to create remote client: %w", err)
	}
	return remote, nil
}

func openLedger(cfg *config.Config) (*services.GormProgressStore, error) {
	if err := db.InitDB(cfg.LedgerDSN); err != nil {
		return nil, err
	}
	if err := db.MigrateDB(); err != nil {
		return nil, err
	}
	return services.NewGormProgressStore(db.DB)
}

// bootstrap wires config, stores, the remote client and the collaborators into an orchestrator.
func bootstrap(cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	var err error
	a.store, err = store.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	a.progress, err = openLedger(cfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	a.remote, err = newRemote(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	normalizer := identity.NewPhoneNormalizer(cfg.Phone.DefaultCountryCode, cfg.Phone.NationalLengths)

	s3m, err := NewS3Manager(cfg.S3)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize S3: %w", err)
	}
	var objects avatars.ObjectStore
	if s3m != nil {
		objects = s3m
	}
	a.avatars, err = avatars.NewSyncer(a.store, a.remote, objects, avatars.Options{Normalizer: normalizer})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.orchestrator, err = services.NewOrchestrator(a.store, a.remote, a.progress, a.avatars, services.Options{
		BatchSize:            cfg.Sync.BatchSize,
		BatchesPerInvocation: cfg.Sync.BatchesPerInvocation,
		MessagesPerChat:      cfg.Sync.MessagesPerChat,
		BatchPause:           cfg.Sync.BatchPause,
		TimeBudget:           cfg.Sync.TimeBudget,
		DedupWindow:          cfg.Sync.DedupWindow,
		Channel:              cfg.Sync.Channel,
		AllowedInstances:     cfg.AllowedInstances,
		Normalizer:           normalizer,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.rabbit, err = NewRabbitPublisher(cfg.RabbitMQURL, cfg.RabbitMQQueue, cfg.RabbitMQQueuePrefix, cfg.RabbitMQSpecificEvents)
	if err != nil {
		log.Error().Err(err).Msg("RabbitMQ publishing disabled")
	}
	var publisher eventPublisher
	if a.rabbit != nil {
		publisher = a.rabbit
	}
	a.delivery = NewDeliveryManager(cfg.ResultWebhookURL, publisher, 0)

	log.Info().
		Strs("allowedInstances", cfg.AllowedInstances).
		Int("batchSize", cfg.Sync.BatchSize).
		Int("batchesPerInvocation", cfg.Sync.BatchesPerInvocation).
		Bool("avatarMirror", s3m != nil).
		Msg("Sync engine ready")
	return a, nil
}

// Close waits for background work and releases connections.
func (a *app) Close() {
	if a.avatars != nil {
		a.avatars.Wait()
	}
	if a.delivery != nil {
		a.delivery.Wait()
	}
	if a.rabbit != nil {
		if err := a.rabbit.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close RabbitMQ connection")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close store")
		}
	}
	if db.DB != nil {
		if sqlDB, err := db.DB.DB(); err == nil {
			sqlDB.Close()
		}
	}
}
