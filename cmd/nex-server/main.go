package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Link-3DS/nex/prudp"
	"github.com/Link-3DS/nex/prudp/core/rmc"
)

// errNotImplemented is the Core NotImplemented result, returned for every call until a
// protocol handler claims it.
const errNotImplemented = 0x00010002

var rootCmd = &cobra.Command{
	Use:   "nex-server",
	Short: "PRUDP transport server with RMC framing and Kerberos-authenticated sessions",
	RunE:  runServer,
}

var (
	flagConfig           string
	flagListen           string
	flagVersion          int
	flagAccessKey        string
	flagKerberosPassword string
	flagWebSocketListen  string
	flagHTTPListen       string
	flagLogLevel         string
)

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&flagConfig, "config", os.Getenv("NEX_CONFIG"), "YAML config file (env: NEX_CONFIG)")
	flags.StringVar(&flagListen, "listen", ":60000", "UDP listen address")
	flags.IntVar(&flagVersion, "version", 1, "PRUDP protocol version (0 or 1)")
	flags.StringVar(&flagAccessKey, "access-key", "", "game access key used for packet signatures")
	flags.StringVar(&flagKerberosPassword, "kerberos-password", os.Getenv("NEX_KERBEROS_PASSWORD"), "secure server password; enables ticket checks (env: NEX_KERBEROS_PASSWORD)")
	flags.StringVar(&flagWebSocketListen, "websocket-listen", "", "serve PRUDPLite over websockets on this address")
	flags.StringVar(&flagHTTPListen, "http-listen", ":8080", "serve /healthz and /metrics on this address")
	flags.StringVar(&flagLogLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute root command")
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig(flagConfig)
	if err != nil {
		return err
	}
	cfg.applyFlags(cmd)
	if err := cfg.validate(); err != nil {
		return err
	}

	level, _ := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	zerolog.SetGlobalLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := prudp.NewServer(&cfg.ServerConfig)
	if err != nil {
		return err
	}
	if err := registerHandlers(srv); err != nil {
		return err
	}
	srv.Start()
	defer srv.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})

	var httpServers []*http.Server
	if cfg.HTTPListen != "" {
		httpServers = append(httpServers, &http.Server{
			Addr:              cfg.HTTPListen,
			Handler:           newAdminRouter(srv),
			ReadHeaderTimeout: 10 * time.Second,
		})
	}
	if cfg.WebSocketListen != "" {
		tcpAddr, err := net.ResolveTCPAddr("tcp", cfg.WebSocketListen)
		if err != nil {
			return err
		}
		wsConn := prudp.NewWSPacketConn(tcpAddr)
		wsConn.OnDetach = func(addr net.Addr) { srv.Kick(addr) }
		g.Go(func() error {
			return srv.Serve(gctx, wsConn, prudp.VariantLite)
		})
		httpServers = append(httpServers, &http.Server{
			Addr:              cfg.WebSocketListen,
			Handler:           newWebSocketRouter(wsConn),
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	for _, hs := range httpServers {
		g.Go(func() error {
			log.Info().Str("addr", hs.Addr).Msg("[nex-server] HTTP listening")
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("[nex-server] shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, hs := range httpServers {
			if err := hs.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Str("addr", hs.Addr).Msg("[nex-server] http server shutdown error")
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("[nex-server] shutdown complete")
	return nil
}

func newAdminRouter(srv *prudp.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(srv.Metrics().Registry, promhttp.HandlerOpts{}))
	return r
}

func newWebSocketRouter(wsConn *prudp.WSPacketConn) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/", wsConn)
	r.Handle("/prudp", wsConn)
	return r
}

// registerHandlers logs the session lifecycle and answers RMC calls no
// protocol has claimed.
func registerHandlers(srv *prudp.Server) error {
	handlers := []struct {
		event   string
		handler prudp.Handler
	}{
		{prudp.EventListening, func(*prudp.Packet) {
			log.Info().Msg("[nex-server] PRUDP listener ready")
		}},
		{prudp.EventConnect, func(p *prudp.Packet) {
			log.Info().
				Str("addr", p.Sender.Addr().String()).
				Uint32("pid", p.Sender.PID()).
				Str("variant", p.Variant.String()).
				Msg("[nex-server] Client connected")
		}},
		{prudp.EventDisconnect, func(p *prudp.Packet) {
			log.Info().Str("addr", p.Sender.Addr().String()).Msg("[nex-server] Client disconnected")
		}},
		{prudp.EventKick, func(p *prudp.Packet) {
			log.Info().Str("addr", p.Sender.Addr().String()).Msg("[nex-server] Client kicked")
		}},
		{prudp.EventData, answerUnclaimed},
	}

	for _, h := range handlers {
		if err := srv.On(h.event, prudp.AnyPacket, h.handler); err != nil {
			return err
		}
	}
	return nil
}

func answerUnclaimed(p *prudp.Packet) {
	req := p.RMCRequest
	if req == nil {
		return
	}
	log.Debug().
		Str("addr", p.Sender.Addr().String()).
		Uint8("protocol", req.Protocol.ID).
		Uint32("method", req.MethodID).
		Uint32("call", req.CallID).
		Msg("[nex-server] Unclaimed RMC call")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp := rmc.NewError(req.Protocol, req.CallID, req.MethodID, errNotImplemented)
	if err := p.Sender.Reply(ctx, resp); err != nil {
		log.Warn().Err(err).Str("addr", p.Sender.Addr().String()).Msg("[nex-server] Reply failed")
	}
}
