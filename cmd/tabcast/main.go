// Command tabcast runs the Session & Streaming Core: a browser-session
// pool, its per-session media pipelines, and the WebRTC signaling and
// control-plane HTTP surfaces that expose them to thin clients.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tabcast/internal/api"
	"tabcast/internal/audio"
	"tabcast/internal/config"
	"tabcast/internal/driver"
	"tabcast/internal/input"
	"tabcast/internal/logging"
	"tabcast/internal/pool"
	"tabcast/internal/signaling"
	"tabcast/internal/tlsutil"
	"tabcast/internal/transport"
	"tabcast/internal/videoworker"
)

var (
	buildVersion = "dev"
	cfgFile      string
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "tabcast",
		Short: "Session & Streaming Core: stream live browser sessions to thin clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd)
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./tabcast.yaml or /etc/tabcast/tabcast.yaml)")
	root.Flags().String("addr", "", "HTTP/WebSocket listen address")
	root.Flags().String("token", "", "bearer token required on the control-plane surface (reserved, enforced by a collaborator)")
	root.Flags().Bool("tls", false, "serve TLS directly using a self-signed certificate when no cert/key is given")
	root.Flags().String("cert", "", "TLS certificate path")
	root.Flags().String("key", "", "TLS key path")
	root.Flags().Int("max-sessions", 0, "maximum concurrent sessions")
	root.Flags().String("browser-bin", "", "path to the headless browser binary (empty lets the launcher locate one)")

	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tabcast v%s\n", buildVersion)
		},
	}
}

func runServer(cmd *cobra.Command) error {
	v := viper.New()
	bindFlags(v, cmd)

	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		logging.Bootstrap.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	log.Info().Str("version", buildVersion).Msg("starting tabcast")

	browserMgr, err := driver.NewManager(log, cfg.BrowserBin)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to launch headless browser")
	}
	defer browserMgr.Close()

	sessionPool := pool.New(log,
		cfg.MaxSessions,
		time.Duration(cfg.IdleTimeoutSeconds)*time.Second,
		time.Duration(cfg.CleanupIntervalSeconds)*time.Second,
		browserMgr.NewDriver,
		pool.Options{
			Framerate: cfg.Framerate,
			AudioParams: audio.Params{
				SampleRate: cfg.AudioSampleRate,
				Channels:   cfg.AudioChannels,
			},
			CaptureCmd:        audioCaptureCmd(cfg),
			AdjustmentCadence: time.Duration(cfg.AdjustmentCadenceSeconds) * time.Second,
			DefaultQuality:    90,
			DefaultFPS:        cfg.Framerate,
			MaxFPS:            cfg.MaxFramerate,
		},
	)
	defer sessionPool.Shutdown()

	inputRouter := input.New(log, cfg.InputRateLimitPerSecond)

	sig := signaling.New(log, signaling.Config{
		Pool:       sessionPool,
		Input:      inputRouter,
		ICEServers: transport.ICEServers(cfg.StunServers, cfg.TurnServer, cfg.TurnUsername, cfg.TurnPassword),
		VideoCodec: cfg.VideoCodec,
	})

	scheme := "ws"
	if cfg.TLS {
		scheme = "wss"
	}
	apiServer := api.New(log, api.Config{
		Pool:             sessionPool,
		VideoCodec:       cfg.VideoCodec,
		VideoWidth:       cfg.VideoWidth,
		VideoHeight:      cfg.VideoHeight,
		Framerate:        cfg.Framerate,
		MaxFramerate:     cfg.MaxFramerate,
		MinBitrate:       cfg.MinBitrate,
		DefaultBitrate:   cfg.DefaultBitrate,
		MaxBitrate:       cfg.MaxBitrate,
		AudioSampleRate:  cfg.AudioSampleRate,
		AudioChannels:    cfg.AudioChannels,
		SignalingBaseURL: scheme + "://" + hostFromAddr(cfg.Addr),
	})

	videoWorker := videoworker.New(log, stubFetcher{}, videoworker.Cache{
		Dir:       cfg.VideoCacheDir,
		MaxBytes:  cfg.VideoCacheMaxBytes,
		MaxAgeSec: cfg.VideoCacheMaxAgeSec,
	})

	router := mux.NewRouter()
	apiServer.Routes(router)
	videoWorker.Routes(router)
	router.Handle("/ws/signaling", sig)

	corsHandler := handlers.CORS(
		handlers.AllowedOrigins(cfg.CorsOrigins),
		handlers.AllowedMethods([]string{"GET", "POST", "DELETE"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)(router)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: corsHandler,
	}

	if cfg.TLS {
		tlsConfig, err := loadTLS(cfg)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to configure TLS")
		}
		httpServer.TLSConfig = tlsConfig
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Bool("tls", cfg.TLS).Msg("listening")
		var err error
		if cfg.TLS {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case s := <-sigCh:
		log.Info().Str("signal", s.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(ctx)
}

func loadTLS(cfg *config.Config) (*tls.Config, error) {
	if cfg.Cert != "" && cfg.Key != "" {
		cert, err := tls.LoadX509KeyPair(cfg.Cert, cfg.Key)
		if err != nil {
			return nil, err
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
	}
	return tlsutil.SelfSigned()
}

func audioCaptureCmd(cfg *config.Config) string {
	if !cfg.AudioEnabled {
		return ""
	}
	return cfg.AudioCaptureCmd
}

func hostFromAddr(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "localhost" + addr
	}
	return addr
}

// stubFetcher is the default Fetcher wiring: it documents that a real
// deployment supplies a downloader/transcoder here (spec.md §6's
// detached worker), and immediately fails so /api/video/prepare's status
// machine is exercised end to end without pretending to transcode.
type stubFetcher struct{}

func (stubFetcher) Fetch(id, destPath string) error {
	return fmt.Errorf("video-by-id fetch/transcode is not implemented in the core; wire a real Fetcher for id %s", id)
}

func bindFlags(v *viper.Viper, cmd *cobra.Command) {
	_ = v.BindPFlag("addr", cmd.Flags().Lookup("addr"))
	_ = v.BindPFlag("tls", cmd.Flags().Lookup("tls"))
	_ = v.BindPFlag("cert", cmd.Flags().Lookup("cert"))
	_ = v.BindPFlag("key", cmd.Flags().Lookup("key"))
	_ = v.BindPFlag("token", cmd.Flags().Lookup("token"))
	_ = v.BindPFlag("max_sessions", cmd.Flags().Lookup("max-sessions"))
	_ = v.BindPFlag("browser_bin", cmd.Flags().Lookup("browser-bin"))
}
