package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/TFMV/hearthcall/call"
	"github.com/TFMV/hearthcall/common"
	"github.com/TFMV/hearthcall/media"
	"github.com/TFMV/hearthcall/retry"
	"github.com/TFMV/hearthcall/room"
	"github.com/TFMV/hearthcall/server"
	"github.com/TFMV/hearthcall/signaling"
	"github.com/pion/webrtc/v3"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	// Flags for the call command
	callRoomID   string
	callUserID   string
	callUsername string
	callToken    string
	callCameras  int
	callJoin     bool
	callAPIPort  int
)

// callCmd joins a room as a headless participant.
var callCmd = &cobra.Command{
	Use:   "call",
	Short: "Join a room's video call as a headless participant",
	Long: `Joins the room's signaling channel with synthetic camera, microphone and
display sources, starts the call when a second participant joins, and prints
call state changes until interrupted.`,
	RunE: runCall,
}

func init() {
	callCmd.Flags().StringVar(&callRoomID, "room", "", "room id (required)")
	callCmd.Flags().StringVar(&callUserID, "user", "", "local user id (required)")
	callCmd.Flags().StringVar(&callUsername, "username", "", "username used with --join")
	callCmd.Flags().StringVar(&callToken, "token", "", "bearer token for the room API")
	callCmd.Flags().IntVar(&callCameras, "cameras", 2, "number of synthetic cameras")
	callCmd.Flags().BoolVar(&callJoin, "join", false, "register the participant with the room API first")
	callCmd.Flags().IntVar(&callAPIPort, "status-port", 0, "serve /status and /metrics on this port (0 disables)")
	callCmd.Flags().String("signaling-url", "", "signaling websocket url")
	callCmd.Flags().String("room-api", "", "room API base url")
	_ = callCmd.MarkFlagRequired("room")
	_ = callCmd.MarkFlagRequired("user")
	_ = viper.BindPFlag("signaling.url", callCmd.Flags().Lookup("signaling-url"))
	_ = viper.BindPFlag("room.api_url", callCmd.Flags().Lookup("room-api"))

	rootCmd.AddCommand(callCmd)
}

func runCall(cmd *cobra.Command, args []string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Println("Failed to initialize logger:", err)
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := common.LoadCallConfig()
	roomID, localID := common.ID(callRoomID), common.ID(callUserID)

	factory, err := call.NewPionFactory(logger.Named("pion"), cfg)
	if err != nil {
		logger.Error("Failed to set up WebRTC", zap.Error(err))
		return err
	}

	var membership *room.HTTPMembershipClient
	if cfg.RoomAPIURL != "" {
		membership = room.NewHTTPMembershipClient(cfg.RoomAPIURL, callToken, 5*time.Second)
	}
	if callJoin {
		if membership == nil {
			return errors.New("--join needs a room API url")
		}
		participants, err := membership.Join(ctx, roomID, common.Participant{UserID: localID, Username: callUsername})
		if err != nil {
			logger.Error("Failed to join room", zap.String("roomID", roomID.String()), zap.Error(err))
			return err
		}
		pterm.Info.Printfln("Joined room %s with %d participant(s)", roomID, len(participants))
	}

	var client room.MembershipClient
	if membership != nil {
		client = membership
	}
	svc := call.NewService(logger, cfg, factory, media.NewSyntheticProvider(callCameras), client)

	socket := signaling.NewWSChannel(logger.Named("socket"), cfg.SignalingURL, retry.NewScheduler(cfg.RetryBase, cfg.RetryMax))
	socket.SetGreeting(signaling.JoinRoomFrame(roomID))
	socket.OnOpen(func() { pterm.Success.Printfln("Signaling connected to %s", cfg.SignalingURL) })
	svc.SetSignalingSocket(socket)
	svc.SetCallbacks(printCallbacks(logger))

	stream, err := svc.Initialize(ctx, roomID, localID)
	if err != nil {
		return err
	}
	if stream == nil {
		pterm.Info.Println("Left the call before it started")
		return nil
	}
	if camera, ok := svc.Media().CurrentCamera(); ok {
		pterm.Info.Printfln("Local stream %s ready on %s", stream.ID, camera.Label)
	}

	if callAPIPort > 0 {
		api := server.New(logger.Named("api"), nil, svc, socket)
		go func() {
			if err := api.Listen(callAPIPort); err != nil {
				logger.Error("Status server stopped", zap.Error(err))
			}
		}()
		defer func() { _ = api.Shutdown() }()
	}

	go func() {
		if err := socket.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Signaling stopped", zap.Error(err))
		}
	}()
	go func() {
		if err := svc.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Membership watcher stopped", zap.Error(err))
		}
	}()

	pterm.Info.Printfln("Waiting in room %s as %s (Ctrl+C to leave)", roomID, localID)
	<-ctx.Done()

	svc.StopVideoCall()
	pterm.Info.Println("Left the call")
	return nil
}

func printCallbacks(logger *zap.Logger) call.Callbacks {
	return call.Callbacks{
		OnStateChange: func(state common.CallState) {
			switch state {
			case common.CallStateConnected:
				pterm.Success.Println("Call connected")
			case common.CallStateFailed:
				pterm.Error.Println("Call failed")
			default:
				pterm.Info.Printfln("Call %s", state)
			}
		},
		OnConnectionStateChange: func(state webrtc.PeerConnectionState) {
			logger.Debug("Peer connection state", zap.String("state", state.String()))
		},
		OnICEConnectionStateChange: func(state webrtc.ICEConnectionState) {
			logger.Debug("ICE connection state", zap.String("state", state.String()))
		},
		OnRemoteStreamReceived: func(track call.RemoteTrack) {
			pterm.Info.Printfln("Receiving remote %s track %s", track.Kind(), track.ID())
			go drain(logger, track)
		},
		OnRemoteScreenShare: func(active bool) {
			if active {
				pterm.Info.Println("Remote started sharing their screen")
				return
			}
			pterm.Info.Println("Remote stopped sharing their screen")
		},
	}
}

// drain reads a remote track until it ends
func drain(logger *zap.Logger, track call.RemoteTrack) {
	buf := make([]byte, 1500)
	var total int
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			logger.Info("Remote track ended",
				zap.String("trackID", track.ID()),
				zap.Int("bytes", total))
			return
		}
		total += n
	}
}
