package main

import (
	"log"
	"net/http"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pierrelefevre/grain/pkg/api"
	"github.com/pierrelefevre/grain/pkg/audit"
	"github.com/pierrelefevre/grain/pkg/auth"
	"github.com/pierrelefevre/grain/pkg/config"
	"github.com/pierrelefevre/grain/pkg/middleware"
	"github.com/pierrelefevre/grain/pkg/policy"
	"github.com/pierrelefevre/grain/pkg/registry"
	"github.com/pierrelefevre/grain/pkg/server"
	"github.com/pierrelefevre/grain/pkg/storage"
	"github.com/pierrelefevre/grain/pkg/uploads"
	"github.com/pierrelefevre/grain/pkg/webhook"
)

func main() {
	cfg := config.Load()

	var host, usersFile, dataDir string
	cmd := &cobra.Command{
		Use:   "grain",
		Short: "Filesystem-backed OCI distribution registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			if host != "" {
				cfg.Host = host
			}
			if usersFile != "" {
				cfg.UsersFile = usersFile
			}
			if dataDir != "" {
				cfg.DataDir = dataDir
			}
			return run(cfg)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "listen address (addr:port)")
	cmd.Flags().StringVar(&usersFile, "users-file", "", "path to users.json")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "registry data directory")

	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func run(cfg *config.Config) error {
	log.Printf("Starting grain registry on %s (data dir: %s)", cfg.Host, cfg.DataDir)

	// User store: a missing file is an empty store, a broken one is fatal.
	store, err := auth.NewStore(cfg.UsersPath())
	if err != nil {
		return err
	}

	// Storage driver
	fs, err := storage.NewFilesystem(cfg.DataDir)
	if err != nil {
		return err
	}
	var driver storage.Driver = fs
	if cfg.StorageBackend == "s3" {
		driver, err = storage.NewS3Driver(cfg)
		if err != nil {
			return err
		}
		log.Printf("Using S3 storage backend (%s/%s)", cfg.MinioEndpoint, cfg.MinioBucket)
	}

	// Upload sessions always stage to the local data dir.
	uploadMgr, err := uploads.NewManager(cfg.DataDir)
	if err != nil {
		return err
	}

	// Pull policy
	policyService := policy.NewService()
	if cfg.PolicyFile != "" {
		policyService, err = policy.NewServiceFromFile(cfg.PolicyFile)
		if err != nil {
			return err
		}
		log.Printf("Loaded pull policy from %s", cfg.PolicyFile)
	}

	webhookService := webhook.NewService(cfg.WebhookURL)
	auditService := audit.NewService(filepath.Join(cfg.DataDir, "audit.log"))

	tokenService := auth.NewTokenService(store, cfg.JWTSecret, cfg.Host)
	authn := middleware.NewAuthenticator(store, tokenService, cfg.Host)

	regHandler := registry.NewHandler(cfg, driver, uploadMgr, policyService, webhookService, auditService)
	adminHandler := api.NewAdminHandler(store, auditService)

	handler := server.New(server.Services{
		Registry: regHandler,
		Admin:    adminHandler,
		Tokens:   tokenService,
		Auth:     authn,
	})

	return http.ListenAndServe(cfg.Host, handler)
}
