// Command dssd runs the discovery and signaling daemon (spec §4): it
// accepts connections over raw TCP, dispatches the binary frame protocol,
// runs the periodic future-host election, and snapshots session state to
// SQLite for crash recovery.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/dss-project/dss/internal/config"
	"github.com/dss-project/dss/internal/dispatch"
	"github.com/dss-project/dss/internal/election"
	"github.com/dss-project/dss/internal/identity"
	"github.com/dss-project/dss/internal/logger"
	"github.com/dss-project/dss/internal/ratelimit"
	"github.com/dss-project/dss/internal/registry"
	"github.com/dss-project/dss/internal/signaling"
	"github.com/dss-project/dss/internal/snapshot"
	"github.com/dss-project/dss/internal/wire"
)

func main() {
	root := &cobra.Command{
		Use:   "dssd",
		Short: "DSS discovery and signaling daemon",
		RunE:  run,
	}

	root.Flags().String("addr", "", "listen address (overrides config)")
	root.Flags().String("config-dir", ".", "directory holding dssd.yaml")
	root.Flags().Bool("require-identity", false, "require signed SESSION_CREATE/SESSION_JOIN")

	root.AddCommand(sessionsCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// sessionsCmd groups operator subcommands that talk to a running dssd over
// its own wire protocol rather than touching the registry in-process (spec
// §3's "explicit administrative deletion", SPEC_FULL.md §12).
func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Operate on sessions held by a running dssd",
	}
	cmd.PersistentFlags().String("config-dir", ".", "directory holding dssd.yaml")
	cmd.AddCommand(sessionsDeleteCmd())
	return cmd
}

func sessionsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-string>",
		Short: "Forcibly evict a session from a running dssd",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configDir, _ := cmd.Flags().GetString("config-dir")
			cfg, err := config.LoadServerConfig(configDir)
			if err != nil {
				return fmt.Errorf("load server config: %w", err)
			}
			if cfg.AdminToken == "" {
				return fmt.Errorf("dssd.yaml has no admin_token configured; refusing to send an unauthenticated request")
			}
			return adminDeleteSession(cfg.ListenAddr, args[0], cfg.AdminToken)
		},
	}
}

func adminDeleteSession(addr, sessionString, token string) error {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	payload, err := (&wire.AdminDeleteSessionRequest{
		SessionString: sessionString,
		Token:         token,
	}).MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	if err := wire.WriteFrame(conn, wire.TypeAdminDeleteSession, payload); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	pt, respPayload, err := wire.ReadFrame(conn)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	switch pt {
	case wire.TypeAdminDeleteSessionAck:
		var ack wire.AdminDeleteSessionAck
		if err := ack.UnmarshalBinary(respPayload); err != nil {
			return fmt.Errorf("malformed response: %w", err)
		}
		if !ack.Deleted {
			return fmt.Errorf("session %q not found", sessionString)
		}
		fmt.Printf("deleted session %q\n", sessionString)
		return nil
	case wire.TypeError:
		var e wire.ErrorReply
		if err := e.UnmarshalBinary(respPayload); err != nil {
			return fmt.Errorf("malformed error response")
		}
		return fmt.Errorf("dssd: %s", e.Message)
	default:
		return fmt.Errorf("unexpected response packet type %d", pt)
	}
}

func run(cmd *cobra.Command, args []string) error {
	configDir, _ := cmd.Flags().GetString("config-dir")
	cfg, err := config.LoadServerConfig(configDir)
	if err != nil {
		return fmt.Errorf("load server config: %w", err)
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.ListenAddr = addr
	}
	if requireIdentity, _ := cmd.Flags().GetBool("require-identity"); requireIdentity {
		cfg.RequireIdentity = true
	}

	if err := logger.Init(cfg.LogLevel, cfg.LogFile); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	idleTimeout, err := parseDurationOrDefault(cfg.IdleTimeout, 2*time.Minute)
	if err != nil {
		return fmt.Errorf("parse idle_timeout: %w", err)
	}
	snapshotInterval, err := parseDurationOrDefault(cfg.SnapshotInterval, 10*time.Second)
	if err != nil {
		return fmt.Errorf("parse snapshot_interval: %w", err)
	}
	turnTTL, err := parseDurationOrDefault(cfg.TURNCredentialTTL, time.Hour)
	if err != nil {
		return fmt.Errorf("parse turn_credential_ttl: %w", err)
	}

	store, err := snapshot.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}
	defer store.Close()

	reg := registry.New(registry.Config{MaxSessions: cfg.MaxSessions})
	if err := store.Replay(reg, time.Now().UnixMilli()); err != nil {
		logger.Error("dssd: replay snapshot failed", "err", err)
	}

	limiter := ratelimit.New(store)
	defer limiter.Stop()
	hub := signaling.NewHub()

	srv := dispatch.NewServer(dispatch.Config{
		IdentityPolicy: identity.Policy{
			RequireServerIdentity: cfg.RequireIdentity,
			RequireClientIdentity: cfg.RequireIdentity,
		},
		ReplayWindow: identity.DefaultReplayWindow,
		IdleTimeout:  idleTimeout,
		ICEServers:   cfg.ICEServers,
		TURNSecret:   cfg.TURNSharedSecret,
		TURNTTL:      turnTTL,
		AdminToken:   cfg.AdminToken,
	}, reg, limiter, hub)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	go store.StartSync(ctx, reg, snapshotInterval)
	go store.StartRetentionSweep(ctx, time.Hour)
	go election.RunFutureHostElections(ctx, election.FutureHostInterval, sessionLister(reg), candidateSource(reg), hostSource(reg), electedHandler(reg, hub))
	go expireSessionsLoop(ctx, reg, store)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("dssd: listening", "addr", cfg.ListenAddr)
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		logger.Info("dssd: shutting down")
		srv.Shutdown()
		return nil
	case err := <-errCh:
		return err
	}
}

func parseDurationOrDefault(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

func sessionLister(reg *registry.Registry) election.SessionLister {
	return func() []wire.SessionID {
		var ids []wire.SessionID
		reg.Range(func(sess *registry.Session) bool {
			ids = append(ids, sess.ID)
			return true
		})
		return ids
	}
}

func candidateSource(reg *registry.Registry) election.CandidateSource {
	return func(sessionID wire.SessionID) []election.Candidate {
		sess := reg.FindByID(sessionID)
		if sess == nil {
			return nil
		}
		participants := sess.Participants()
		candidates := make([]election.Candidate, 0, len(participants))
		for _, p := range participants {
			if !p.Quality.Reported {
				continue
			}
			candidates = append(candidates, election.Candidate{
				ParticipantID: p.ID,
				NATTier:       p.Quality.NATTier,
				UploadKbps:    p.Quality.UploadKbps,
				RTTMs:         p.Quality.RTTMs,
			})
		}
		return candidates
	}
}

// hostSource reports a session's current host to election.ElectFutureHost
// so the periodic re-election (run via RunFutureHostElections below) never
// pre-elects the participant that already holds the session (spec §4.7).
func hostSource(reg *registry.Registry) election.HostSource {
	return func(sessionID wire.SessionID) (wire.ParticipantID, bool) {
		sess := reg.FindByID(sessionID)
		if sess == nil {
			return wire.ParticipantID{}, false
		}
		return sess.HostParticipant()
	}
}

// electedHandler persists each session's periodic re-election result and
// pushes it to every connected participant (spec §4.7/§9's Open Question:
// unsolicited NETWORK_QUALITY feeds this same tick) as a FUTURE_HOST_ELECTED
// frame, so a live connection's client.Client.migrate can fail over the
// instant its liveness prober trips without a separate solicitation round
// trip. The winner passed in is already guaranteed (by ElectFutureHost) to
// exclude the session's current host.
func electedHandler(reg *registry.Registry, hub *signaling.Hub) election.ElectedHandler {
	var rounds struct {
		mu sync.Mutex
		n  map[wire.SessionID]uint32
	}
	rounds.n = make(map[wire.SessionID]uint32)

	return func(sessionID wire.SessionID, winner election.Candidate) {
		sess := reg.FindByID(sessionID)
		if sess == nil {
			return
		}

		rounds.mu.Lock()
		rounds.n[sessionID]++
		round := rounds.n[sessionID]
		rounds.mu.Unlock()

		if err := reg.SetFutureHost(sessionID, registry.FutureHost{
			ElectedRound: round,
			HostID:       winner.ParticipantID,
		}); err != nil {
			logger.Debug("dssd: set future host failed", "err", err)
			return
		}

		payload, err := (&wire.FutureHostElected{
			SessionID:    sessionID,
			FutureHostID: winner.ParticipantID,
			Round:        round,
		}).MarshalBinary()
		if err != nil {
			logger.Debug("dssd: encode future host elected failed", "err", err)
			return
		}
		frame, err := wire.EncodeFrame(wire.TypeFutureHostElected, payload)
		if err != nil {
			logger.Debug("dssd: frame future host elected failed", "err", err)
			return
		}
		hub.BroadcastAll(sessionID, frame)
	}
}

func expireSessionsLoop(ctx context.Context, reg *registry.Registry, store *snapshot.Store) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired := reg.CleanupExpired(time.Now().UnixMilli())
			for _, id := range expired {
				if err := store.DeleteSession(id); err != nil {
					logger.Debug("dssd: prune expired session from snapshot failed", "err", err)
				}
			}
			if len(expired) > 0 {
				logger.Info("dssd: expired sessions", "count", len(expired))
			}
		}
	}
}
