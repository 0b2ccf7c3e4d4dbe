package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"

	"supportcall/native/internal/api"
	"supportcall/native/internal/call"
	"supportcall/native/internal/config"
	"supportcall/native/internal/control"
	"supportcall/native/internal/domain"
	"supportcall/native/internal/ice"
	"supportcall/native/internal/logging"
	"supportcall/native/internal/media"
	"supportcall/native/internal/retry"
	sigclient "supportcall/native/internal/signal"
	"supportcall/native/internal/webrtc"

	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const helpText = `callclient - Audio/video support call client over a WebSocket relay

Usage:
  callclient [options]

Staff clients wait for incoming calls. User clients place calls through
the control API. Call state is served on CALL_CONTROL_ADDR.

Environment Variables (required):
  CALL_TOKEN       Bearer token issued by the relay
  CALL_API_URL     Base URL of the relay REST API
  CALL_SIGNAL_URL  WebSocket URL of the signaling relay

Environment Variables (optional):
  CALL_USER_ID, CALL_ROLE      Override the identity carried by the token
  CALL_ICE_SERVERS             Comma separated STUN/TURN URLs
  CALL_ICE_USERNAME            TURN username
  CALL_ICE_CREDENTIAL          TURN credential
  CALL_AUTO_REJECT_TIMEOUT     Ring time before an incoming call is rejected (default 60s)
  CALL_SETTLE_DELAY            Wait after applying a remote offer (default 500ms)
  CALL_GATHER_TIMEOUT          Longest wait for local candidates before answering (default 5s)
  CALL_CANDIDATE_RETRY_DELAY   Retry delay for a candidate that arrived early (default 1s)
  CALL_SEND_ATTEMPTS           Delivery attempts per signaling message (default 3)
  CALL_SEND_BACKOFF            Linear backoff between delivery attempts (default 500ms)
  CALL_RECORD_DIR              Write received media to this directory (default: drain only)
  CALL_CONTROL_ADDR            Control API address (default 127.0.0.1:8089)
  CALL_LOG_LEVEL               debug, info, warn or error (default info)

Examples:
  # Call staff member s1
  curl -X POST -d '{"targetId":"s1"}' localhost:8089/calls

  # Answer a ringing call
  curl -X POST localhost:8089/calls/current/accept

Options:
  -h, --help  Show this help message
`

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		fmt.Print(helpText)
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(os.Stderr, cfg.LogLevel)
	mainLog := logging.For(log, "main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		mainLog.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	// Step 1: Resolve who we are
	id, err := api.Identity(cfg.Token, cfg.UserID, domain.Role(cfg.Role))
	if err != nil {
		mainLog.Fatal().Err(err).Msg("resolve identity")
	}
	mainLog.Info().Str("id", id.ID).Str("role", string(id.Role)).Msg("identity resolved")

	// Step 2: Local media and recording
	capturer := media.DefaultCapturer(logging.For(log, "capture"))
	manager := media.NewManager(capturer, logging.For(log, "media"))
	tracks := newTrackSink(cfg, logging.For(log, "recorder"))

	// Step 3: Peer connection factory and negotiator
	peerCfg := webrtc.PeerConfig{
		ICEServers:    cfg.ICEServers,
		ICEUsername:   cfg.ICEUsername,
		ICECredential: cfg.ICECredential,
	}
	if rc, ok := capturer.(interface {
		RegisterCodecs(m *pion.MediaEngine) error
	}); ok {
		peerCfg.RegisterCodecs = rc.RegisterCodecs
	}
	factory, err := webrtc.NewFactory(peerCfg)
	if err != nil {
		mainLog.Fatal().Err(err).Msg("create peer factory")
	}
	negOpts := webrtc.DefaultOptions()
	negOpts.SettleDelay = cfg.SettleDelay
	negOpts.GatherTimeout = cfg.GatherTimeout
	negOpts.CandidateRetryDelay = cfg.CandidateRetryDelay
	neg := webrtc.New(factory, negOpts, logging.For(log, "webrtc"))

	// Step 4: Signaling relay
	sc := sigclient.NewClient(cfg.SignalURL, id.Token, sigclient.DefaultOptions(), logging.For(log, "signal"))

	// Step 5: Call machine (implements domain.Handler)
	board := control.NewBoard(logging.For(log, "display"))
	machine := call.New(call.Deps{
		Identity:   id,
		Signaler:   sc,
		Initiator:  api.NewClient(cfg.APIURL, logging.For(log, "api")),
		Media:      manager,
		Negotiator: neg,
		Candidates: ice.NewBuffer(),
		Display:    board,
		Tracks:     tracks,
		Log:        logging.For(log, "call"),
	}, call.Options{
		AutoRejectTimeout: cfg.AutoRejectTimeout,
		SendRetry:         retry.Policy{Attempts: cfg.SendAttempts, Backoff: cfg.SendBackoff},
	})
	sc.SetHandler(machine)

	// Step 6: Connect signaling
	if err := sc.Connect(ctx); err != nil {
		mainLog.Fatal().Err(err).Msg("signal connect")
	}
	defer sc.Close()

	// Step 7: Control API
	srv := control.NewServer(machine, board, logging.For(log, "control"))
	go func() {
		if err := srv.ListenAndServe(ctx, cfg.ControlAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			mainLog.Error().Err(err).Msg("control server stopped")
			cancel()
		}
	}()

	// Step 8: Run until interrupted; Run ends a live call on the way out
	if err := machine.Run(ctx); err != nil {
		mainLog.Error().Err(err).Msg("call machine stopped")
	}
	mainLog.Info().Msg("done")
}

// newTrackSink always returns a recorder: without a directory it drains
// remote tracks so RTCP feedback keeps flowing.
func newTrackSink(cfg *config.Config, log zerolog.Logger) call.TrackSink {
	return media.NewRecorder(cfg.RecordDir, log)
}
