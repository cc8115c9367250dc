package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dotsetgreg/tiermem/pkg/bus"
	"github.com/dotsetgreg/tiermem/pkg/chat"
	"github.com/dotsetgreg/tiermem/pkg/memory"
)

var errQuit = errors.New("quit")

// session drives one conversation from line input. Plain lines are user
// messages; lines starting with a slash are commands.
type session struct {
	conv *memory.Conversation
	out  io.Writer
}

const sessionHelp = `Plain text is appended as a user message.
  /assistant <text>        append a character message
  /system <text>           append a hidden system message
  /edit <i> <text>         replace the text of message i
  /continue <i> <text>     append text to message i
  /delete <i>              delete message i
  /swipe <i> <text>        add and select a new alternative of message i
  /select <i> <swipe>      select an existing alternative
  /summarize [i...]        summarize messages (default: last)
  /resummarize [i...]      summarize even when up to date
  /auto                    run the auto-summarize policy
  /remember <i...>         toggle remember
  /exclude <i...>          toggle exclude
  /set <i> [text]          set or delete a summary
  /get [start [end]]       print summaries
  /history                 list messages with their tiers
  /preview                 print the injection slots
  /enable | /disable       toggle memory for this conversation
  /quit                    leave`

func (s *session) exec(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		ev, err := s.conv.AppendMessage(ctx, chat.Message{Role: chat.RoleUser, Name: s.userName(ctx), Text: line})
		return s.handle(ctx, ev, err)
	}

	cmd, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)
	switch strings.ToLower(cmd) {
	case "quit", "exit":
		return errQuit
	case "help", "?":
		fmt.Fprintln(s.out, sessionHelp)
		return nil
	case "assistant", "char":
		if rest == "" {
			return fmt.Errorf("usage: /assistant <text>")
		}
		ev, err := s.conv.AppendMessage(ctx, chat.Message{Role: chat.RoleAssistant, Name: s.charName(ctx), Text: rest})
		return s.handle(ctx, ev, err)
	case "system":
		if rest == "" {
			return fmt.Errorf("usage: /system <text>")
		}
		ev, err := s.conv.AppendMessage(ctx, chat.Message{Role: chat.RoleSystem, Hidden: true, Text: rest})
		return s.handle(ctx, ev, err)
	case "edit", "continue", "swipe":
		idx, text, err := s.indexAndText(ctx, rest)
		if err != nil {
			return err
		}
		switch strings.ToLower(cmd) {
		case "edit":
			ev, err := s.conv.EditMessage(ctx, idx, text)
			return s.handle(ctx, ev, err)
		case "continue":
			ev, err := s.conv.ContinueMessage(ctx, idx, text)
			return s.handle(ctx, ev, err)
		default:
			ev, err := s.conv.AddSwipe(ctx, idx, text)
			return s.handle(ctx, ev, err)
		}
	case "delete":
		idx, _, err := s.indexAndText(ctx, rest)
		if err != nil {
			return err
		}
		ev, err := s.conv.DeleteMessage(ctx, idx)
		return s.handle(ctx, ev, err)
	case "select":
		idx, text, err := s.indexAndText(ctx, rest)
		if err != nil {
			return err
		}
		swipe, err := strconv.Atoi(text)
		if err != nil {
			return fmt.Errorf("usage: /select <i> <swipe>")
		}
		ev, err := s.conv.SelectSwipe(ctx, idx, swipe)
		return s.handle(ctx, ev, err)
	case "summarize", "resummarize":
		indices, err := s.indices(ctx, strings.Fields(rest))
		if err != nil {
			return err
		}
		res, err := s.conv.Summarize(ctx, indices, memory.RunOptions{
			ShowProgress:     true,
			SkipInitialDelay: true,
			Force:            strings.EqualFold(cmd, "resummarize"),
		})
		return s.report(res, err)
	case "auto":
		res, err := s.conv.AutoSummarize(ctx)
		return s.report(res, err)
	case "remember", "exclude":
		indices, err := s.indices(ctx, strings.Fields(rest))
		if err != nil {
			return err
		}
		if strings.EqualFold(cmd, "remember") {
			err = s.conv.Remember(ctx, indices, nil)
		} else {
			err = s.conv.Exclude(ctx, indices, nil)
		}
		if err != nil {
			return err
		}
		return s.refresh(ctx)
	case "set":
		idx, text, err := s.indexAndText(ctx, rest)
		if err != nil {
			return err
		}
		if err := s.conv.EditSummary(ctx, idx, text); err != nil {
			return err
		}
		return s.refresh(ctx)
	case "get":
		start, end, err := parseRange(strings.Fields(rest))
		if err != nil {
			return err
		}
		text, err := s.conv.Memories(ctx, start, end, "\n")
		if err != nil {
			return err
		}
		fmt.Fprintln(s.out, text)
		return nil
	case "history", "classify":
		return printHistory(ctx, s.out, s.conv)
	case "preview":
		return printPreview(ctx, s.out, s.conv)
	case "enable", "disable":
		if err := s.conv.SetEnabled(ctx, strings.EqualFold(cmd, "enable")); err != nil {
			return err
		}
		return s.refresh(ctx)
	default:
		return fmt.Errorf("unknown command /%s (try /help)", cmd)
	}
}

func (s *session) handle(ctx context.Context, ev bus.ChatEvent, err error) error {
	if err != nil {
		return err
	}
	res, err := s.conv.HandleEvent(ctx, ev)
	return s.report(res, err)
}

func (s *session) report(res memory.RunResult, err error) error {
	if err != nil {
		return err
	}
	if len(res.Jobs) == 0 {
		return nil
	}
	fmt.Fprintf(s.out, "summarized %d, failed %d, aborted %d\n",
		res.Count(memory.JobDone), res.Count(memory.JobFailed), res.Count(memory.JobAborted))
	for _, job := range res.Jobs {
		if job.State == memory.JobFailed && job.Err != nil {
			fmt.Fprintf(s.out, "  #%d: %v\n", job.Index, job.Err)
		}
	}
	return nil
}

func (s *session) refresh(ctx context.Context) error {
	_, err := s.conv.Refresh(ctx)
	return err
}

func (s *session) userName(ctx context.Context) string {
	if meta, err := s.conv.Store().Metadata(ctx); err == nil && meta.UserName != "" {
		return meta.UserName
	}
	return "User"
}

func (s *session) charName(ctx context.Context) string {
	if meta, err := s.conv.Store().Metadata(ctx); err == nil && meta.CharacterName != "" {
		return meta.CharacterName
	}
	return "Assistant"
}

func (s *session) indexAndText(ctx context.Context, args string) (int, string, error) {
	head, text, _ := strings.Cut(args, " ")
	indices, err := s.indices(ctx, []string{head})
	if err != nil {
		return 0, "", err
	}
	return indices[0], strings.TrimSpace(text), nil
}

func (s *session) indices(ctx context.Context, args []string) ([]int, error) {
	n, err := s.conv.Store().Len(ctx)
	if err != nil {
		return nil, err
	}
	return parseIndices(args, n)
}

// parseIndices accepts non-negative indices, negative indices counted from
// the end and inclusive a..b ranges.
func parseIndices(args []string, n int) ([]int, error) {
	var out []int
	resolve := func(s string) (int, error) {
		i, err := strconv.Atoi(s)
		if err != nil {
			return 0, fmt.Errorf("bad index %q", s)
		}
		if i < 0 {
			i += n
		}
		if i < 0 || i >= n {
			return 0, fmt.Errorf("index %s: %w", s, chat.ErrNotFound)
		}
		return i, nil
	}
	for _, arg := range args {
		if a, b, ok := strings.Cut(arg, ".."); ok {
			lo, err := resolve(a)
			if err != nil {
				return nil, err
			}
			hi, err := resolve(b)
			if err != nil {
				return nil, err
			}
			for i := lo; i <= hi; i++ {
				out = append(out, i)
			}
			continue
		}
		i, err := resolve(arg)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, nil
}

// parseRange reads optional start and end bounds; missing bounds cover the
// whole conversation.
func parseRange(args []string) (int, int, error) {
	start, end := 0, -1
	if len(args) > 0 {
		v, err := strconv.Atoi(args[0])
		if err != nil {
			return 0, 0, fmt.Errorf("bad start %q", args[0])
		}
		start = v
	}
	if len(args) > 1 {
		v, err := strconv.Atoi(args[1])
		if err != nil {
			return 0, 0, fmt.Errorf("bad end %q", args[1])
		}
		end = v
	}
	return start, end, nil
}

func printHistory(ctx context.Context, w io.Writer, conv *memory.Conversation) error {
	if _, err := conv.Refresh(ctx); err != nil {
		return err
	}
	history, err := conv.Store().Snapshot(ctx)
	if err != nil {
		return err
	}
	for i, m := range history {
		r := m.Record
		tier := string(r.Tier)
		if tier == "" {
			tier = string(chat.TierNone)
		}
		var flags []string
		if r.Lagging {
			flags = append(flags, "lagging")
		}
		if r.Remember {
			flags = append(flags, "remember")
		}
		if r.Exclude {
			flags = append(flags, "exclude")
		}
		if r.Edited {
			flags = append(flags, "edited")
		}
		summary := r.Summary
		if r.Error != "" {
			summary = "error: " + r.Error
		}
		fmt.Fprintf(w, "%4d %-9s %-5s %-22s %s\n", i, m.Name, tier, strings.Join(flags, ","), clip(m.Text, 40))
		if summary != "" {
			fmt.Fprintf(w, "     -> %s\n", summary)
		}
	}
	return nil
}

func printPreview(ctx context.Context, w io.Writer, conv *memory.Conversation) error {
	if _, err := conv.Refresh(ctx); err != nil {
		return err
	}
	inj := conv.Injection()
	for _, slot := range []struct {
		label string
		text  string
		pos   string
		depth int
	}{
		{"long-term", inj.Long.Text, string(inj.Long.Position), inj.Long.Depth},
		{"short-term", inj.Short.Text, string(inj.Short.Position), inj.Short.Depth},
	} {
		fmt.Fprintf(w, "== %s (%s, depth %d) ==\n", slot.label, slot.pos, slot.depth)
		if slot.text == "" {
			fmt.Fprintln(w, "(empty)")
			continue
		}
		fmt.Fprintln(w, slot.text)
	}
	return nil
}

func clip(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
