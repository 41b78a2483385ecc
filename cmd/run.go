package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pqchat/engine"
	"pqchat/models"
	"pqchat/network"
	"pqchat/vault"
)

const (
	flagListen  = "listen"
	flagPeer    = "peer"
	flagTo      = "to"
	flagAddr    = "addr"
	flagMessage = "message"
	flagTimeout = "timeout"
)

func printObserver(out io.Writer) engine.ObserverFuncs {
	return engine.ObserverFuncs{
		Message: func(msg *models.Message) {
			fmt.Fprintf(out, "[%s] %s: %s\n", msg.CreatedAt.Local().Format(time.Kitchen), msg.Metadata.SenderID, string(msg.Content.Data))
		},
		MessagePermanentlyFail: func(msg *models.Message, err error) {
			fmt.Fprintf(out, "delivery of %s failed: %v\n", msg.ID, err)
		},
		SyncConflict: func(conflict vault.Conflict) {
			fmt.Fprintf(out, "sync conflict %s on message %s\n", conflict.ID, conflict.MessageID)
		},
	}
}

// parsePeerAddrs parses repeated id=host:port values.
func parsePeerAddrs(values []string) (map[string]string, error) {
	peers := make(map[string]string, len(values))
	for _, value := range values {
		id, addr, ok := strings.Cut(value, "=")
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("invalid --peer %q, want id=host:port", value)
		}
		peers[id] = addr
	}
	return peers, nil
}

func newRunCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the engine; each stdin line \"<peer> <text>\" sends a message",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			peers, err := parsePeerAddrs(v.GetStringSlice(flagKey(cmd, flagPeer)))
			if err != nil {
				return err
			}

			a, err := openApp(v, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			transport := network.NewStreamTransport(network.StreamOptions{Logger: a.log})
			defer transport.Close()

			out := cmd.OutOrStdout()
			eng, err := a.newEngine(transport, printObserver(out))
			if err != nil {
				return err
			}

			if listen := v.GetString(flagKey(cmd, flagListen)); listen != "" {
				ln, err := net.Listen("tcp", listen)
				if err != nil {
					return fmt.Errorf("listen on %s: %w", listen, err)
				}
				fmt.Fprintf(out, "Listening on %s as %s\n", ln.Addr(), a.cfg.UserID)
				go func() {
					if err := transport.Serve(ctx, ln); err != nil && !errors.Is(err, context.Canceled) {
						a.log.WithError(err).Error("Listener stopped")
					}
				}()
			}
			for id, addr := range peers {
				if err := transport.Dial(ctx, a.cfg.UserID, id, addr); err != nil {
					a.log.WithError(err).WithField("peer", id).Warn("Could not connect, messages will be retried")
				}
			}

			go readOutgoing(ctx, cmd.InOrStdin(), a, eng)
			return eng.Run(ctx)
		},
	}
	cmd.Flags().String(flagListen, "", "TCP address to accept peer connections on")
	cmd.Flags().StringSlice(flagPeer, nil, "peer to connect to as id=host:port (repeatable)")
	bindFlag(v, cmd, flagListen)
	bindFlag(v, cmd, flagPeer)
	return cmd
}

func readOutgoing(ctx context.Context, in io.Reader, a *app, eng *engine.Engine) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		peerID, text, ok := strings.Cut(strings.TrimSpace(scanner.Text()), " ")
		if !ok || text == "" {
			continue
		}
		_, _, err := eng.Send(ctx, engine.OutboundMessage{
			ConversationID: engine.DirectConversationID(a.cfg.UserID, peerID),
			RecipientIDs:   []string{peerID},
			Type:           models.MessageTypeText,
			Content:        models.Content{Data: []byte(text), MimeType: "text/plain", Size: int64(len(text))},
			Priority:       models.PriorityNormal,
		})
		if err != nil {
			a.log.WithError(err).Warn("Send failed")
		}
	}
}

func newSendCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Connect to one peer, send a message and wait for delivery",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			to, addr, text := v.GetString(flagKey(cmd, flagTo)), v.GetString(flagKey(cmd, flagAddr)), v.GetString(flagKey(cmd, flagMessage))
			if to == "" || addr == "" || text == "" {
				return errors.New("--to, --addr and --message are required")
			}
			priority, err := models.ParsePriority(v.GetString(flagKey(cmd, "priority")))
			if err != nil {
				return err
			}

			a, err := openApp(v, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := context.WithTimeout(cmd.Context(), v.GetDuration(flagKey(cmd, flagTimeout)))
			defer cancel()

			transport := network.NewStreamTransport(network.StreamOptions{Logger: a.log})
			defer transport.Close()

			done := make(chan error, 1)
			finish := func(err error) {
				select {
				case done <- err:
				default:
				}
			}
			observer := engine.ObserverFuncs{
				MessageSent:            func(msg *models.Message) { finish(nil) },
				MessagePermanentlyFail: func(msg *models.Message, err error) { finish(err) },
			}
			eng, err := a.newEngine(transport, observer)
			if err != nil {
				return err
			}
			if err := transport.Dial(ctx, a.cfg.UserID, to, addr); err != nil {
				return err
			}

			runErr := make(chan error, 1)
			go func() { runErr <- eng.Run(ctx) }()

			msg, _, err := eng.Send(ctx, engine.OutboundMessage{
				ConversationID: engine.DirectConversationID(a.cfg.UserID, to),
				RecipientIDs:   []string{to},
				Content:        models.Content{Data: []byte(text), MimeType: "text/plain", Size: int64(len(text))},
				Priority:       priority,
			})
			if err != nil {
				return err
			}

			select {
			case err := <-done:
				cancel()
				<-runErr
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "sent %s\n", msg.ID)
				return nil
			case <-ctx.Done():
				<-runErr
				return fmt.Errorf("message %s not delivered: %w", msg.ID, ctx.Err())
			}
		},
	}
	cmd.Flags().String(flagTo, "", "recipient user ID")
	cmd.Flags().String(flagAddr, "", "recipient host:port")
	cmd.Flags().String(flagMessage, "", "message text")
	cmd.Flags().String("priority", "normal", "low, normal, high or urgent")
	cmd.Flags().Duration(flagTimeout, 30*time.Second, "how long to wait for delivery")
	for _, key := range []string{flagTo, flagAddr, flagMessage, "priority", flagTimeout} {
		bindFlag(v, cmd, key)
	}
	return cmd
}
