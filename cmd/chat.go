package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	roomchat "github.com/putto11262002/roomchat/app"
	"github.com/putto11262002/roomchat/core"
	"github.com/spf13/cobra"
)

type chatFlags struct {
	support   bool
	projectID string
	token     string
	user      core.User
	url       string
}

func newChatCmd(opts *options) *cobra.Command {
	var flags chatFlags
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat in a room from the terminal",
		Long: "Chat in the support room or in the room of a project. Every line read " +
			"from stdin is sent as a message.",
		RunE: func(cmd *cobra.Command, args []string) error {
			config := opts.config
			if err := validateConfig(cmd, config); err != nil {
				return err
			}
			if flags.url == "" {
				flags.url = config.Client.GatewayURL
			}
			logger := roomchat.NewLogger(cmd.ErrOrStderr(), config.Log.Level)
			c := &chatClient{
				flags:   flags,
				in:      cmd.InOrStdin(),
				out:     cmd.OutOrStdout(),
				dialOpt: []core.DialerOption{core.WithDialerLogger(logger), core.WithWSConfig(config.WebSocket)},
				sessOpt: []core.SessionOption{core.WithLogger(logger), core.WithConnectTimeout(config.Client.ConnectTimeout)},
			}
			return c.run(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&flags.support, "support", false, "join the support room")
	cmd.Flags().StringVar(&flags.projectID, "project", "", "join the room of this project")
	cmd.Flags().StringVar(&flags.token, "token", "", "identity token issued by the auth service")
	cmd.Flags().StringVar(&flags.user.ID, "user", "", "user id, when no token is given")
	cmd.Flags().StringVar(&flags.user.Name, "name", "", "display name, when no token is given")
	cmd.Flags().StringVar(&flags.user.Role, "role", "", "user role, when no token is given")
	cmd.Flags().StringVar(&flags.url, "url", "", "gateway websocket url (default client.gateway_url)")
	cmd.MarkFlagsMutuallyExclusive("support", "project")
	cmd.MarkFlagsOneRequired("support", "project")
	return cmd
}

// echoWait bounds how long chat waits, once stdin is exhausted, for the
// gateway to echo the messages it sent.
const echoWait = 3 * time.Second

type chatClient struct {
	flags   chatFlags
	in      io.Reader
	out     io.Writer
	dialOpt []core.DialerOption
	sessOpt []core.SessionOption

	mu     sync.Mutex
	echoed int
	// notified after every echo of an own message
	echoes chan struct{}
}

// identityProvider returns the provider for the token when one is given and
// for the user flags otherwise.
func identityProvider(flags chatFlags) (core.IdentityProvider, error) {
	if flags.token != "" {
		return core.NewTokenIdentity(flags.token)
	}
	return core.NewStaticIdentity(flags.user), nil
}

func (c *chatClient) println(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

func (c *chatClient) echoedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.echoed
}

func (c *chatClient) run(ctx context.Context) error {
	roomID, err := core.ResolveRoomID(core.RoomContext{Support: c.flags.support, ProjectID: c.flags.projectID})
	if err != nil {
		return err
	}
	provider, err := identityProvider(c.flags)
	if err != nil {
		return err
	}
	user, ok := provider.CurrentUser()
	if !ok {
		return fmt.Errorf("%w: pass --token or --user, --name and --role", core.ErrNoIdentity)
	}

	dialOpts := c.dialOpt
	if c.flags.token != "" {
		dialOpts = append(dialOpts, core.WithToken(c.flags.token))
	}
	session := core.NewSession(core.NewWSDialer(c.flags.url, dialOpts...), c.sessOpt...)
	c.echoes = make(chan struct{}, 1)

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	connected := make(chan struct{})
	var connectedOnce sync.Once
	session.OnConnected(func() {
		c.println("connected to %s as %s (%s)", roomID, user.Name, user.Role)
		connectedOnce.Do(func() { close(connected) })
	})
	session.OnMessageAppended(func(e core.Entry) {
		c.println("%s", renderEntry(e, user.ID))
		if e.Message.Type == core.TypeMessage && core.IsOwn(e, user.ID) {
			c.mu.Lock()
			c.echoed++
			c.mu.Unlock()
			select {
			case c.echoes <- struct{}{}:
			default:
			}
		}
	})
	session.OnDisconnected(func(reason string) {
		if reason == core.ReasonRemoteClosed {
			cancel(errors.New(reason))
		}
	})
	session.OnError(func(err error) {
		cancel(err)
	})

	if err := session.OpenAs(provider, roomID); err != nil {
		return err
	}
	defer session.Close()

	// stdin is only read once the session can send
	select {
	case <-connected:
	case <-ctx.Done():
		return exitError(ctx)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	sent := 0
	for {
		select {
		case <-ctx.Done():
			return exitError(ctx)
		case line, ok := <-lines:
			if !ok {
				return c.awaitEchoes(ctx, sent)
			}
			if err := session.Send(line); err != nil {
				if errors.Is(err, core.ErrEmptyContent) {
					continue
				}
				c.println("! %v", err)
				continue
			}
			sent++
		}
	}
}

// awaitEchoes waits up to echoWait for the gateway to echo sent messages.
func (c *chatClient) awaitEchoes(ctx context.Context, sent int) error {
	timer := time.NewTimer(echoWait)
	defer timer.Stop()
	for c.echoedCount() < sent {
		select {
		case <-c.echoes:
		case <-timer.C:
			c.println("! %d of %d messages not echoed", sent-c.echoedCount(), sent)
			return nil
		case <-ctx.Done():
			return exitError(ctx)
		}
	}
	return nil
}

// exitError is the error chat returns once ctx is done. Plain cancellation,
// such as an interrupt, is not an error.
func exitError(ctx context.Context) error {
	if err := context.Cause(ctx); !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// renderEntry formats an entry for the terminal. Presence entries are
// rendered distinctly and own messages are marked.
func renderEntry(e core.Entry, currentUserID string) string {
	m := e.Message
	switch m.Type {
	case core.TypeJoin:
		return fmt.Sprintf("%4d  * %s (%s) joined", e.Seq, m.UserName, m.UserRole)
	case core.TypeLeave:
		return fmt.Sprintf("%4d  * %s (%s) left", e.Seq, m.UserName, m.UserRole)
	}
	name := m.UserName
	if core.IsOwn(e, currentUserID) {
		name += " (you)"
	}
	return fmt.Sprintf("%4d  [%s] %s: %s", e.Seq, m.Timestamp, name, strings.TrimSpace(m.Content))
}
