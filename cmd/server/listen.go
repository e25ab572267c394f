package main

import (
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"go-relay/internal/models"
	"go-relay/internal/subscriber"
)

func newListenCommand() *cobra.Command {
	var (
		baseURL       string
		gatewayURL    string
		session       string
		conversations []string
		presence      bool
	)

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Connect as a user and print realtime events as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			setupLogging("info", "console")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			sess, err := subscriber.NewSession(subscriber.Options{
				BaseURL:        baseURL,
				GatewayURL:     gatewayURL,
				SessionToken:   session,
				Handler:        printer(out),
				ReconnectDelay: time.Second,
			})
			if err != nil {
				return err
			}
			defer sess.Close()

			for _, id := range conversations {
				if err := sess.SubscribeConversation(ctx, id); err != nil {
					return err
				}
				if presence {
					if err := sess.SubscribePresence(ctx, id); err != nil {
						return err
					}
				}
			}

			if err := sess.Connect(ctx); err != nil {
				return err
			}
			log.Info().Str("user", sess.UserID()).Strs("channels", sess.Channels()).Msg("Listening")

			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&baseURL, "url", "http://localhost:8080", "Web application base URL")
	cmd.Flags().StringVar(&gatewayURL, "gateway", "", "Websocket gateway URL (derived from --url when empty)")
	cmd.Flags().StringVar(&session, "session", "", "Session token, as minted by relay token --session")
	cmd.Flags().StringSliceVarP(&conversations, "conversation", "c", nil, "Conversation ids to follow")
	cmd.Flags().BoolVar(&presence, "presence", false, "Also follow presence of the conversations")
	_ = cmd.MarkFlagRequired("session")

	return cmd
}

// printer writes every dispatched event as one JSON line tagged with its hook.
func printer(w io.Writer) models.Handler {
	emit := func(hook string) func(models.Event) {
		return func(e models.Event) {
			line, err := json.Marshal(struct {
				Hook  string       `json:"hook"`
				Event models.Event `json:"event"`
			}{hook, e})
			if err != nil {
				log.Error().Err(err).Msg("Failed to encode event")
				return
			}
			fmt.Fprintln(w, string(line))
		}
	}

	return models.HandlerFuncs{
		Message:      emit("message"),
		Typing:       emit("typing"),
		Presence:     emit("presence"),
		Notification: emit("notification"),
	}
}
