package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/collab/pkg/collab"
	"github.com/cuemby/collab/pkg/collabtypes"
	"github.com/cuemby/collab/pkg/config"
	"github.com/cuemby/collab/pkg/controlplane"
	"github.com/cuemby/collab/pkg/log"
	"github.com/cuemby/collab/pkg/syncplugin"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	bolt "go.etcd.io/bbolt"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Open a Collab object and keep it running",
	Long: `serve opens one Collab object backed by the embedded bbolt store at
--data-dir, starts its disk plugin and (if --server-url is set) its sync
plugin, and exposes health/metrics endpoints until interrupted.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("workspace-id", "", "Workspace the object belongs to (required)")
	serveCmd.Flags().String("object-id", "", "Object identifier within the workspace (required)")
	serveCmd.Flags().String("collab-type", "document", "document, folder, database, workspace or user_awareness")
	serveCmd.Flags().String("device-id", "", "This device's identifier (defaults to a random uuid)")
	serveCmd.Flags().String("server-url", "", "Sync server websocket URL; omit for disk-only mode")
	serveCmd.Flags().String("http-addr", "127.0.0.1:9090", "Address for /health, /ready and /metrics")
	serveCmd.Flags().String("grpc-health-addr", "", "Address for the gRPC health service; omit to disable")
	serveCmd.MarkFlagRequired("workspace-id")
	serveCmd.MarkFlagRequired("object-id")
}

func runServe(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	cfgPath, _ := cmd.Flags().GetString("config")
	workspaceID, _ := cmd.Flags().GetString("workspace-id")
	objectID, _ := cmd.Flags().GetString("object-id")
	ctypeFlag, _ := cmd.Flags().GetString("collab-type")
	deviceID, _ := cmd.Flags().GetString("device-id")
	serverURL, _ := cmd.Flags().GetString("server-url")
	httpAddr, _ := cmd.Flags().GetString("http-addr")
	grpcAddr, _ := cmd.Flags().GetString("grpc-health-addr")

	cfg, err := config.Load(cfgPath, dataDir)
	if err != nil {
		return err
	}
	cfg.WorkspaceID = workspaceID
	if deviceID != "" {
		cfg.DeviceID = deviceID
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
	}
	if serverURL != "" {
		cfg.ServerURL = serverURL
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	controlplane.Version = Version

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("serve: create data dir: %w", err)
	}
	dbPath := cfg.DataDir + "/collab.db"
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return fmt.Errorf("serve: open store %s: %w", dbPath, err)
	}
	defer db.Close()

	ctype := collabtypes.CollabType(ctypeFlag)
	if !ctype.Valid() {
		return fmt.Errorf("serve: invalid --collab-type %q", ctypeFlag)
	}

	origin := collabtypes.NewClientOrigin(cfg.DeviceID, cfg.DeviceID)
	clientUUID := uuid.New()
	clientID := binary.BigEndian.Uint64(clientUUID[:8])

	var transport syncplugin.Transport
	if cfg.ServerURL != "" {
		u, err := url.Parse(cfg.ServerURL)
		if err != nil {
			return fmt.Errorf("serve: invalid --server-url: %w", err)
		}
		transport = &syncplugin.WebsocketTransport{URL: u.String(), HandshakeTimeout: 10 * time.Second}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := collab.Open(ctx, collab.Config{
		Object:    collabtypes.ObjectId{WorkspaceID: cfg.WorkspaceID, ID: objectID},
		Type:      ctype,
		ClientID:  clientID,
		Origin:    origin,
		DB:        db,
		DiskOpts:  cfg.DiskOptions(),
		Transport: transport,
		SyncOpts:  cfg.SyncOptions(),
		Log:       log.Logger,
	})
	if err != nil {
		return fmt.Errorf("serve: open collab: %w", err)
	}

	if errs := c.SyncErrors(); errs != nil {
		go func() {
			for err := range errs {
				log.Logger.Error().Err(err).Msg("sync plugin reported an error")
			}
		}()
	}

	hs := controlplane.NewHealthServer(collabChecker{c})
	go func() {
		if err := hs.Start(httpAddr); err != nil {
			log.Logger.Error().Err(err).Msg("http health server stopped")
		}
	}()
	log.Logger.Info().Str("addr", httpAddr).Msg("health/metrics server listening")

	var ghs *controlplane.GRPCHealthServer
	if grpcAddr != "" {
		ghs = controlplane.NewGRPCHealthServer(log.Logger)
		ghs.SetServing("", true)
		go func() {
			if err := ghs.Listen(grpcAddr); err != nil {
				log.Logger.Error().Err(err).Msg("grpc health server stopped")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Logger.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := c.Close(shutdownCtx); err != nil {
		log.Logger.Error().Err(err).Msg("error closing collab")
	}
	if ghs != nil {
		ghs.Stop()
	}
	return nil
}

// collabChecker adapts *collab.Collab to controlplane.Checker.
type collabChecker struct{ c *collab.Collab }

func (cc collabChecker) Checks() (bool, map[string]string) {
	checks := map[string]string{}
	ready := true

	if cc.c.PluginDegraded("disk") {
		checks["disk"] = "degraded"
		ready = false
	} else {
		checks["disk"] = "ok"
	}

	state := cc.c.SyncState()
	checks["sync"] = state.String()
	if state == syncplugin.StateReconnecting {
		ready = false
	}

	return ready, checks
}
