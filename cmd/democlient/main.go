// Command democlient runs one headless live demo session against the
// backend: it captures a synthetic or file-backed microphone, joins the
// agent over the chosen transport binding and logs what the dock would show.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/chadiek/live-demo/internal/config"
	"github.com/chadiek/live-demo/internal/dock"
	"github.com/chadiek/live-demo/internal/log"
	"github.com/chadiek/live-demo/internal/mask"
	"github.com/chadiek/live-demo/internal/media"
	"github.com/chadiek/live-demo/internal/provision"
	"github.com/chadiek/live-demo/internal/session"
	"github.com/chadiek/live-demo/internal/surface"
	"github.com/chadiek/live-demo/internal/transport"
	"github.com/chadiek/live-demo/internal/transport/rtc"
	"github.com/chadiek/live-demo/internal/transport/socket"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log.Configure(log.Config{Level: cfg.LogLevel, Service: "live-demo-client"})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		log.WithComponent("democlient").Error().Err(err).Msg("demo failed")
		os.Exit(1)
	}
}

// loadConfig reads the YAML file and lets flags override it.
func loadConfig(args []string) (config.Client, error) {
	fs := pflag.NewFlagSet("democlient", pflag.ContinueOnError)
	path := fs.StringP("config", "c", "", "YAML config file (default $LIVE_DEMO_CONFIG)")
	backend := fs.String("backend", "", "backend base URL")
	token := fs.String("token", "", "admin token for the backend")
	binding := fs.StringP("transport", "t", "", "transport binding: rtc or socket")
	agentID := fs.StringP("agent", "a", "", "agent id")
	device := fs.String("device", "", `capture device: "tone" or a raw PCM16LE file`)
	allowMic := fs.Bool("allow-mic", true, "grant microphone permission")
	duration := fs.DurationP("duration", "d", 0, "hang up after this long (0 waits for a signal)")
	metricsAddr := fs.String("metrics-addr", "", "serve Prometheus metrics on this address")
	level := fs.String("log-level", "", "log level")
	if err := fs.Parse(args); err != nil {
		return config.Client{}, err
	}

	cfg, err := config.LoadClient(*path)
	if err != nil {
		return cfg, err
	}
	if fs.Changed("backend") {
		cfg.BackendURL = *backend
	}
	if fs.Changed("token") {
		cfg.Token = *token
	}
	if fs.Changed("transport") {
		cfg.Transport = *binding
	}
	if fs.Changed("agent") {
		cfg.AgentID = *agentID
	}
	if fs.Changed("device") {
		cfg.Device = *device
	}
	if fs.Changed("allow-mic") {
		cfg.AllowMic = *allowMic
	}
	if fs.Changed("duration") {
		cfg.Duration = *duration
	}
	if fs.Changed("metrics-addr") {
		cfg.MetricsAddr = *metricsAddr
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = *level
	}
	if cfg.AgentID == "" {
		return cfg, errors.New("an agent id is required (--agent)")
	}
	return cfg, cfg.Validate()
}

func newDevice(cfg config.Client) media.Device {
	if cfg.Device == "" || cfg.Device == "tone" {
		return media.ToneDevice{
			SampleRate: cfg.SampleRate,
			TalkFor:    2 * time.Second,
			PauseFor:   1500 * time.Millisecond,
		}
	}
	return media.FileDevice{Path: cfg.Device, SampleRate: cfg.SampleRate}
}

func newAdapter(cfg config.Client) (transport.Adapter, error) {
	prov := provision.NewClient(cfg.BackendURL, cfg.Token)
	switch cfg.Transport {
	case provision.BindingSocket:
		return socket.New(prov, socket.Config{SampleRate: cfg.SampleRate}), nil
	default:
		a, err := rtc.New(prov, rtc.Config{SampleRate: cfg.SampleRate})
		if err != nil {
			return nil, err
		}
		return a, nil
	}
}

func sessionConfig(cfg config.Client) session.Config {
	sc := session.DefaultConfig()
	sc.Params = transport.SessionParams{
		AgentID:    cfg.AgentID,
		BuyerName:  cfg.BuyerName,
		BuyerEmail: cfg.BuyerEmail,
		Language:   cfg.Language,
		Mode:       cfg.Mode,
	}
	sc.PermissionTimeout = cfg.PermissionTimeout
	sc.ProvisionTimeout = cfg.ProvisionTimeout
	sc.HandshakeTimeout = cfg.HandshakeTimeout
	sc.ResumeAttempts = cfg.ResumeAttempts
	if cfg.ResumeBackoff > 0 {
		initial := cfg.ResumeBackoff
		sc.ResumeBackoff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = initial
			b.MaxInterval = 8 * initial
			return b
		}
	}
	if cfg.SpeakingThreshold > 0 {
		sc.Detector.OnThreshold = cfg.SpeakingThreshold
		sc.Detector.OffThreshold = cfg.SpeakingThreshold / 2
	}
	if cfg.ControlInterval > 0 {
		sc.ControlRate = rate.Every(cfg.ControlInterval)
	}
	return sc
}

func run(ctx context.Context, cfg config.Client) error {
	logger := log.WithComponent("democlient")

	adapter, err := newAdapter(cfg)
	if err != nil {
		return err
	}
	prompt := media.AllowAll
	if !cfg.AllowMic {
		prompt = media.DenyAll
	}

	var frames atomic.Int64
	render := func(name string, f media.Frame) {
		if frames.Add(1)%50 == 1 {
			logger.Debug().Str("surface", name).Uint64("seq", f.Seq).Int("bytes", len(f.Data)).Msg("frame")
		}
	}
	surfaces := surface.NewManager(surface.NewFrameSurface("front", render), surface.NewFrameSurface("back", render))
	overlay := mask.New()

	m := session.New(sessionConfig(cfg), session.Deps{
		Gate:    media.NewGate(newDevice(cfg), prompt),
		Adapter: adapter,
		Surface: surfaces,
		Mask:    overlay,
	})
	d := dock.New(m)
	defer d.Close()
	overlay.Subscribe(func(s mask.State) {
		if s.Visible {
			d.SetAction(s.Label)
			return
		}
		d.SetAction("")
	})
	d.Subscribe(func(v dock.View) { logView(logger, v) })
	surfaces.Subscribe(func(v surface.View) {
		logger.Info().Str("surface", v.Surface).Str("visible", v.Visible).Msg("video swapped")
	})

	terminated := make(chan struct{})
	var once sync.Once
	unsub := m.Subscribe(func(ev session.Event) {
		if ev.Snapshot.State == session.Terminated {
			once.Do(func() { close(terminated) })
		}
	})
	defer unsub()

	g, gctx := errgroup.WithContext(ctx)
	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return srv.Close()
		})
	}
	g.Go(func() error {
		defer func() {
			_ = d.Dispatch(dock.IntentHangup)
		}()
		if err := m.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		var deadline <-chan time.Time
		if cfg.Duration > 0 {
			t := time.NewTimer(cfg.Duration)
			defer t.Stop()
			deadline = t.C
		}
		select {
		case <-gctx.Done():
		case <-deadline:
		case <-terminated:
			return sessionError(m.Snapshot())
		}
		logger.Info().Msg("hanging up")
		return nil
	})

	err = g.Wait()
	select {
	case <-terminated:
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("session did not terminate in time")
	}
	if err == nil || errors.Is(err, context.Canceled) {
		return sessionError(m.Snapshot())
	}
	return err
}

// sessionError reports a terminal failure; hanging up is not one.
func sessionError(s session.Snapshot) error {
	if s.Error == session.ErrNone {
		return nil
	}
	return fmt.Errorf("session %s ended with %s: %s", s.SessionID, s.Error, s.ErrorMessage)
}

func logView(logger zerolog.Logger, v dock.View) {
	ev := logger.Info()
	if v.Error != session.ErrNone {
		ev = logger.Warn().Str("error", strings.ToLower(string(v.Error))).Str("error_message", v.ErrorMessage)
	}
	ev.Str("state", string(v.State)).
		Str("marquee", v.Marquee).
		Str("orb", string(v.Orb)).
		Bool("muted", v.Muted).
		Bool("controls", v.Controls).
		Msg("dock")
}
