// Command dssc is the discovery client harness (spec §4.8): it drives one
// session attempt through internal/client's state machine, printing the
// generated session string once the session is created and logging state
// transitions to stdout so an
// embedding application (or an operator, for testing) can watch a session
// come up without a media layer attached.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"

	"github.com/spf13/cobra"

	"github.com/dss-project/dss/internal/client"
	"github.com/dss-project/dss/internal/config"
	"github.com/dss-project/dss/internal/identity"
	"github.com/dss-project/dss/internal/logger"
	"github.com/dss-project/dss/internal/wire"
)

func main() {
	root := &cobra.Command{
		Use:   "dssc",
		Short: "DSS discovery client harness",
	}
	root.PersistentFlags().String("config-dir", ".", "directory holding dssc.yaml")
	root.PersistentFlags().String("server", "", "discovery server address (overrides config)")
	root.PersistentFlags().Bool("password-protected", false, "require a password to join")
	root.PersistentFlags().String("password", "", "session password")
	root.PersistentFlags().Uint8("max-participants", registryDefaultMax, "max participants (host only)")
	root.PersistentFlags().Bool("webrtc", false, "negotiate WebRTC instead of direct TCP")
	root.PersistentFlags().Bool("prefer-webrtc", false, "fail when WebRTC can't connect after its retries (no TCP fallback is attempted, with or without this flag)")
	root.PersistentFlags().Bool("expose-ip", false, "allow the server to disclose this host's address to peers")
	root.PersistentFlags().String("local-addr", "", "this process's reachable address, when hosting DIRECT_TCP")
	root.PersistentFlags().Uint16("local-port", 0, "this process's reachable port, when hosting DIRECT_TCP")
	root.PersistentFlags().Uint8("nat-tier", 0, "local NAT quality tier (lower is better) for host election")
	root.PersistentFlags().Uint32("upload-kbps", 0, "local upload bandwidth estimate for host election")
	root.PersistentFlags().Uint32("rtt-ms", 0, "local RTT estimate for host election")

	root.AddCommand(hostCmd(), joinCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "dssc:", err)
		os.Exit(1)
	}
}

const registryDefaultMax = 32

func hostCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "host",
		Short: "Create a new session and wait for a peer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, "")
		},
	}
}

func joinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "join <session-string>",
		Short: "Join an existing session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, args[0])
		},
	}
}

func runSession(cmd *cobra.Command, sessionString string) error {
	configDir, _ := cmd.Flags().GetString("config-dir")
	cfg, err := config.LoadClientConfig(configDir)
	if err != nil {
		return fmt.Errorf("load client config: %w", err)
	}
	if addr, _ := cmd.Flags().GetString("server"); addr != "" {
		cfg.ServerAddr = addr
	}
	if err := logger.Init(cfg.LogLevel, cfg.LogFile); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	identityFile := cfg.IdentityFile
	if identityFile == "" {
		identityFile = "dssc_identity.key"
	}
	priv, err := identity.LoadOrCreateKeyFile(identityFile)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}

	useWebRTC, _ := cmd.Flags().GetBool("webrtc")
	preferWebRTC, _ := cmd.Flags().GetBool("prefer-webrtc")
	exposeIP, _ := cmd.Flags().GetBool("expose-ip")
	localAddr, _ := cmd.Flags().GetString("local-addr")
	localPort, _ := cmd.Flags().GetUint16("local-port")
	maxParticipants, _ := cmd.Flags().GetUint8("max-participants")
	natTier, _ := cmd.Flags().GetUint8("nat-tier")
	uploadKbps, _ := cmd.Flags().GetUint32("upload-kbps")
	rttMs, _ := cmd.Flags().GetUint32("rtt-ms")
	passwordProtected, _ := cmd.Flags().GetBool("password-protected")
	password, _ := cmd.Flags().GetString("password")

	sessionType := wire.SessionTypeDirectTCP
	if useWebRTC {
		sessionType = wire.SessionTypeWebRTC
	}

	iceURLs := make([]string, 0, len(cfg.ICEServers))
	for _, s := range cfg.ICEServers {
		iceURLs = append(iceURLs, s.URLs...)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	var exiting atomic.Bool
	go func() {
		<-ctx.Done()
		exiting.Store(true)
	}()

	var c *client.Client
	c = client.New(client.Config{
		ServerAddr:       cfg.ServerAddr,
		SessionString:    sessionString,
		Identity:         priv,
		MaxParticipants:  maxParticipants,
		SessionType:      sessionType,
		Password:         password,
		HasPassword:      passwordProtected || password != "",
		ExposeIPPublicly: exposeIP,
		LocalAddress:     localAddr,
		LocalPort:        localPort,
		LocalQuality: client.NATQuality{
			HasPublicIP:       exposeIP,
			NATTypeTier:       natTier,
			UploadKbps:        uploadKbps,
			RTTMs:             rttMs,
			DetectionComplete: true,
		},
		PreferWebRTC:  preferWebRTC,
		ICEServerURLs: iceURLs,
		OnStateChange: func(s client.State) {
			logger.Info("dssc: state transition", "state", s.String())
			if s == client.StateWaitingPeer {
				fmt.Println("session string:", c.SessionString())
			}
		},
		ShouldExit: exiting.Load,
	})

	if err := c.Run(); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	fmt.Println("session ended:", c.SessionString())
	return nil
}
