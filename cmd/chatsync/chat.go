package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// channels
	channelsJSON bool

	// users
	usersJSON bool

	// history
	historyBefore string
	historyJSON   bool

	// send
	sendWait time.Duration

	// chat
	chatName string

	// react
	reactRemove bool
)

// ============================================================================
// channels
// ============================================================================

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "List the channels you take part in",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		client, err := newClient(cfg)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		channels, err := client.ListChannels(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if channelsJSON {
			return printJSON(channels)
		}

		fmt.Printf("Channels (%d):\n", len(channels))
		for _, c := range channels {
			last := "-"
			if c.LastMessage != nil {
				last = relTime(c.LastMessage.CreatedAt)
			}
			fmt.Printf("  %-8s %-32s %-8s unread %-3d last %s\n", c.ID, channelLabel(c), c.ChannelType, c.UnreadCount, last)
		}
		return nil
	},
}

// ============================================================================
// users
// ============================================================================

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List users you can chat with",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		client, err := newClient(cfg)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		users, err := client.ListUsers(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if usersJSON {
			return printJSON(users)
		}

		fmt.Printf("Users (%d):\n", len(users))
		for _, u := range users {
			presence := "offline"
			if u.IsOnline {
				presence = "online"
			}
			fmt.Printf("  %-8s %-28s %s\n", u.ID, u.DisplayName(), presence)
		}
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <channel-id>",
	Short: "Show a channel's message history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		client, err := newClient(cfg)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		var opts *chatsync.MessagesOptions
		if historyBefore != "" {
			opts = &chatsync.MessagesOptions{Before: chatsync.ID(historyBefore)}
		}
		msgs, err := client.GetChannelMessages(ctx, chatsync.ID(args[0]), opts)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if historyJSON {
			return printJSON(msgs)
		}

		slices.SortStableFunc(msgs, func(a, b chatsync.Message) int { return a.CreatedAt.Compare(b.CreatedAt) })
		me := chatsync.ID(cfg.Auth.UserID)
		for _, m := range msgs {
			fmt.Println(formatMessage(m, me))
		}
		if len(msgs) == 0 {
			fmt.Println("No messages.")
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <channel-id> <message>",
	Short: "Send a message and wait for the server to confirm it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout+sendWait)
		defer cancel()

		sess, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer sess.Close()
		if err := sess.open(ctx, args[0]); err != nil {
			return err
		}

		changed := make(chan struct{}, 1)
		unsub := sess.store.OnChange(func(chatsync.State) {
			select {
			case changed <- struct{}{}:
			default:
			}
		})
		defer unsub()

		channelID := chatsync.ID(args[0])
		msg, err := sess.store.SendMessage(ctx, args[1])
		if err != nil {
			return err
		}

		if sendWait <= 0 {
			fmt.Printf("Message queued as %s\n", msg.ID)
			return nil
		}
		timeout := time.After(sendWait)
		for {
			for _, m := range sess.store.Timeline(channelID) {
				if m.ReplacedID == msg.ID {
					fmt.Printf("Message sent: #%s\n", m.ID)
					return nil
				}
			}
			select {
			case <-changed:
			case <-timeout:
				fmt.Printf("Message %s not confirmed after %s\n", msg.ID, sendWait)
				return nil
			}
		}
	},
}

// ============================================================================
// chat
// ============================================================================

var chatCmd = &cobra.Command{
	Use:   "chat <user-id>...",
	Short: "Open a direct chat, or a group with several users",
	Long:  "Open a chat with the given users. One user reuses an existing direct channel when there is one; several users create a group.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		sess, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer sess.Close()

		ids := make([]chatsync.ID, len(args))
		for i, a := range args {
			ids[i] = chatsync.ID(a)
		}
		ch, err := sess.store.StartNewChat(ctx, ids, chatName)
		if err != nil {
			return fmt.Errorf("start chat: %w", err)
		}
		fmt.Printf("Channel %s  %s  (%s)\n", ch.ID, channelLabel(*ch), ch.ChannelType)
		return nil
	},
}

// ============================================================================
// watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch <channel-id>",
	Short: "Stream a channel live until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sess, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer sess.Close()

		w := newWatcher(chatsync.ID(sess.cfg.Auth.UserID))
		unsub := sess.store.OnChange(w.update)
		defer unsub()

		if err := sess.open(ctx, args[0]); err != nil {
			return err
		}
		w.update(sess.store.Snapshot())

		<-ctx.Done()
		fmt.Println("\nBye.")
		return nil
	},
}

// watcher prints what changed between snapshots.
type watcher struct {
	mu     sync.Mutex
	me     chatsync.ID
	seen   map[chatsync.ID]bool
	typing string
	online map[chatsync.ID]bool
	err    string
}

func newWatcher(me chatsync.ID) *watcher {
	return &watcher{
		me:     me,
		seen:   make(map[chatsync.ID]bool),
		online: make(map[chatsync.ID]bool),
	}
}

func (w *watcher) update(st chatsync.State) {
	if st.CurrentChannelID == "" || st.IsLoading {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, m := range st.Messages[st.CurrentChannelID] {
		if w.seen[m.ID] || (m.ReplacedID != "" && w.seen[m.ReplacedID]) {
			w.seen[m.ID] = true
			continue
		}
		w.seen[m.ID] = true
		fmt.Println(formatMessage(m, w.me))
	}

	var names []string
	for id := range st.TypingUsers[st.CurrentChannelID] {
		names = append(names, displayName(st, id))
	}
	slices.Sort(names)
	if typing := strings.Join(names, ", "); typing != w.typing {
		w.typing = typing
		if typing != "" {
			fmt.Printf("  … %s typing\n", typing)
		}
	}

	for id := range st.OnlineUsers {
		if !w.online[id] {
			fmt.Printf("  ● %s is online\n", displayName(st, id))
		}
	}
	for id := range w.online {
		if !st.OnlineUsers[id] {
			fmt.Printf("  ○ %s went offline\n", displayName(st, id))
		}
	}
	w.online = st.OnlineUsers

	if st.Error != w.err {
		w.err = st.Error
		if st.Error != "" {
			fmt.Fprintf(os.Stderr, "  ! %s\n", st.Error)
		}
	}
}

func displayName(st chatsync.State, id chatsync.ID) string {
	for _, u := range st.Users {
		if u.ID == id {
			return u.DisplayName()
		}
	}
	return string(id)
}

// ============================================================================
// react
// ============================================================================

var reactCmd = &cobra.Command{
	Use:   "react <channel-id> <message-id> <emoji>",
	Short: "Add or remove a reaction",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		sess, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer sess.Close()
		if err := sess.open(ctx, args[0]); err != nil {
			return err
		}

		msgID, emoji := chatsync.ID(args[1]), args[2]
		if reactRemove {
			err = sess.store.RemoveReaction(ctx, msgID, emoji)
		} else {
			err = sess.store.AddReaction(ctx, msgID, emoji)
		}
		if err != nil {
			return err
		}

		verb := "Reacted"
		if reactRemove {
			verb = "Removed reaction"
		}
		fmt.Printf("%s %s on #%s\n", verb, emoji, msgID)
		return nil
	},
}

// ============================================================================
// read
// ============================================================================

var readCmd = &cobra.Command{
	Use:   "read <channel-id> <message-id>...",
	Short: "Mark messages as read",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		sess, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer sess.Close()
		if err := sess.open(ctx, args[0]); err != nil {
			return err
		}

		ids := make([]chatsync.ID, 0, len(args)-1)
		var errs []error
		for _, a := range args[1:] {
			id := chatsync.ID(a)
			ids = append(ids, id)
			if err := sess.store.MarkAsRead(ctx, id); err != nil {
				errs = append(errs, err)
			}
		}
		if err := sess.store.MarkMessagesAsRead(ctx, ids); err != nil {
			errs = append(errs, err)
		}
		if err := errors.Join(errs...); err != nil {
			return err
		}
		fmt.Printf("Marked %d message(s) as read.\n", len(ids))
		return nil
	},
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	channelsCmd.Flags().BoolVar(&channelsJSON, "json", false, "Output raw JSON")
	usersCmd.Flags().BoolVar(&usersJSON, "json", false, "Output raw JSON")

	historyCmd.Flags().StringVar(&historyBefore, "before", "", "Only messages older than this message id")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")

	sendCmd.Flags().DurationVar(&sendWait, "wait", 3*time.Second, "How long to wait for the server echo (0 to skip)")

	chatCmd.Flags().StringVar(&chatName, "name", "", "Group name (defaults to member names)")

	reactCmd.Flags().BoolVar(&reactRemove, "remove", false, "Remove the reaction instead of adding it")

	rootCmd.AddCommand(channelsCmd)
	rootCmd.AddCommand(usersCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(reactCmd)
	rootCmd.AddCommand(readCmd)
}
