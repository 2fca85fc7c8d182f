package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/TFMV/hearthcall/common"
	"github.com/TFMV/hearthcall/relay"
	"github.com/TFMV/hearthcall/server"
	"github.com/TFMV/hearthcall/signaling"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// serverCmd starts the room API and the signaling relay.
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the room API and signaling relay",
	Long:  "Serves an in-memory room service on api.port and a websocket room relay on relay.port. Membership changes are pushed to the room as participants_update.",
	RunE:  runServer,
}

func init() {
	serverCmd.Flags().Int("api-port", server.DefaultPort, "room API port")
	serverCmd.Flags().Int("relay-port", 8081, "signaling relay port")
	serverCmd.Flags().Duration("heartbeat", relay.DefaultHeartbeat, "relay ping interval")
	_ = viper.BindPFlag("api.port", serverCmd.Flags().Lookup("api-port"))
	_ = viper.BindPFlag("relay.port", serverCmd.Flags().Lookup("relay-port"))
	_ = viper.BindPFlag("relay.heartbeat", serverCmd.Flags().Lookup("heartbeat"))

	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	// Initialize Zap logger.
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Println("Failed to initialize logger:", err)
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := relay.NewHub(logger.Named("relay"), viper.GetDuration("relay.heartbeat"))
	rooms := server.NewRoomStore()
	rooms.OnChange(func(roomID common.ID, participants []common.Participant) {
		update := signaling.ParticipantsUpdate{
			Header:       signaling.Header{RoomID: roomID},
			Participants: participants,
		}
		if err := hub.Publish(roomID, update); err != nil {
			logger.Warn("Failed to publish membership", zap.String("roomID", roomID.String()), zap.Error(err))
		}
	})
	api := server.New(logger.Named("api"), rooms, nil, nil)

	errCh := make(chan error, 2)
	go func() {
		errCh <- hub.ListenAndServe(ctx, fmt.Sprintf(":%d", viper.GetInt("relay.port")))
	}()
	go func() {
		errCh <- server.StartAPIServer(logger, api)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
		return api.Shutdown()
	case err := <-errCh:
		stop()
		_ = api.Shutdown()
		return err
	}
}
