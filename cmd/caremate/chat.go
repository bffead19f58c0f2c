package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/ashureev/caremate/internal/domain"
	"github.com/ashureev/caremate/internal/persist"
	"github.com/ashureev/caremate/internal/postprocess"
	"github.com/ashureev/caremate/internal/session"
	"github.com/ashureev/caremate/internal/transcript"
	"github.com/ashureev/caremate/internal/voice"
	"github.com/ashureev/caremate/internal/voice/execsynth"
	"github.com/spf13/cobra"
)

const chatHelp = `Commands:
  /prompts          list quick prompts
  /prompt N         send quick prompt N
  /mic              toggle voice input
  /voice on|off     read replies aloud
  /save on|off      keep the chat between runs
  /export [file]    save the conversation as text
  /clear            start over
  /quit             leave`

func newChatCommand(opts *globalOptions) *cobra.Command {
	var locale string
	var mute bool

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start or resume a conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := opts.openStore()
			if err != nil {
				return err
			}
			defer closeStore(repo)

			reply, closeResponder, err := opts.newResponder()
			if err != nil {
				return err
			}
			defer closeResponder()

			env := voice.Unsupported
			if !mute {
				if synth, ok := execsynth.Detect(slog.Default()); ok {
					env = voice.Static{Synth: synth}
				}
			}

			sess, err := session.New(cmd.Context(), session.Config{
				OwnerID:        opts.device,
				Responder:      reply,
				Persistence:    persist.New(repo, opts.device, nil),
				Voice:          env,
				Locale:         voice.ResolveLocale(locale),
				RequestTimeout: opts.timeout,
			})
			if err != nil {
				return err
			}
			defer sess.Close()

			return runChat(cmd.Context(), sess, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&locale, "locale", os.Getenv("DEFAULT_LOCALE"), "Speech locale (BCP 47)")
	cmd.Flags().BoolVar(&mute, "mute", false, "Never read replies aloud")

	return cmd
}

// chatView writes to the terminal from both the input loop and session
// listeners.
type chatView struct {
	mu sync.Mutex
	w  io.Writer
	st styles
}

func (v *chatView) println(s string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintln(v.w, s)
}

func (v *chatView) entry(m domain.Message) {
	if m.Role == domain.RoleUser {
		v.println(v.st.userLabel.Render("You: ") + m.Content)
		return
	}
	body, items := postprocess.SplitSuggestions(m.Content)
	if body == "" && len(items) == 0 {
		body = m.Content
	}
	var b strings.Builder
	b.WriteString(v.st.assistantLabel.Render("CareMate: "))
	b.WriteString(body)
	if len(items) > 0 {
		b.WriteString("\n" + v.st.muted.Render("  Try this now"))
		for _, it := range items {
			b.WriteString("\n" + v.st.card.Render("  • "+it))
		}
	}
	v.println(b.String())
}

func (v *chatView) notice(s string) { v.println(v.st.notice.Render(s)) }

func (v *chatView) crisis() { v.println(v.st.crisis.Render("! " + CrisisNotice)) }

// runChat drives a session from line input until /quit or EOF. Each send
// waits for its reply before the next line is read.
//
//nolint:gocyclo // Command dispatch is kept in one switch.
func runChat(ctx context.Context, sess *session.Orchestrator, in io.Reader, out io.Writer) error {
	view := &chatView{w: out, st: defaultStyles()}

	snap := sess.Snapshot()
	for _, m := range snap.Transcript {
		view.entry(m)
	}
	if snap.Risk {
		view.crisis()
	}
	view.println(view.st.muted.Render("Type /help for commands."))

	unsubscribe := sess.Subscribe(func(ev session.Event) {
		switch ev.Kind {
		case session.EventEntryAppended:
			if ev.Entry != nil && ev.Entry.Role == domain.RoleAssistant {
				view.entry(*ev.Entry)
			}
		case session.EventTranscriptReset:
			if ev.Snapshot != nil {
				for _, m := range ev.Snapshot.Transcript {
					view.entry(m)
				}
			}
		case session.EventRiskChanged:
			if ev.Snapshot != nil && ev.Snapshot.Risk {
				view.crisis()
			}
		case session.EventNotice:
			view.notice(ev.Notice)
		}
	})
	defer unsubscribe()

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if !strings.HasPrefix(line, "/") {
			if !sess.Send(line) {
				view.notice("Please wait for the current reply.")
				continue
			}
			if err := sess.Wait(ctx); err != nil {
				return nil
			}
			continue
		}

		name, arg, _ := strings.Cut(line, " ")
		arg = strings.TrimSpace(arg)
		switch name {
		case "/quit", "/exit":
			return nil
		case "/help":
			view.println(chatHelp)
		case "/clear":
			sess.Clear()
		case "/export":
			path := arg
			if path == "" {
				path = transcript.ExportFileName
			}
			if err := os.WriteFile(path, []byte(sess.Export()), 0o600); err != nil {
				view.notice("Export failed: " + err.Error())
				continue
			}
			view.notice("Saved to " + path)
		case "/voice":
			on, ok := parseSwitch(arg)
			if !ok {
				view.notice("Usage: /voice on|off")
				continue
			}
			sess.SetVoiceEnabled(on)
		case "/save":
			on, ok := parseSwitch(arg)
			if !ok {
				view.notice("Usage: /save on|off")
				continue
			}
			sess.SetPersistEnabled(on)
		case "/mic":
			sess.ToggleMic()
		case "/prompts":
			for i, p := range sess.Prompts() {
				view.println(view.st.muted.Render(strconv.Itoa(i+1)+". ") + p)
			}
		case "/prompt":
			n, err := strconv.Atoi(arg)
			if err != nil || !sess.SendPrompt(n-1) {
				view.notice("Pick a prompt number from /prompts.")
				continue
			}
			if err := sess.Wait(ctx); err != nil {
				return nil
			}
		default:
			view.notice("Unknown command " + name + ". Type /help.")
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	return nil
}

func parseSwitch(s string) (on, ok bool) {
	switch strings.ToLower(s) {
	case "on", "yes", "true":
		return true, true
	case "off", "no", "false":
		return false, true
	}
	return false, false
}
