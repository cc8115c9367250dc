package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/chzyer/readline"
)

func interactiveMode(ctx context.Context, s *session) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("%s> ", appName),
		HistoryFile:     filepath.Join(os.TempDir(), ".tiermem_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Fprintf(s.out, "Error initializing readline: %v\n", err)
		fmt.Fprintln(s.out, "Falling back to simple input mode...")
		return simpleInteractiveMode(ctx, s, os.Stdin)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				fmt.Fprintln(s.out, "\nGoodbye!")
				return nil
			}
			fmt.Fprintf(s.out, "Error reading input: %v\n", err)
			continue
		}
		if done := runLine(ctx, s, line); done {
			return nil
		}
	}
}

func simpleInteractiveMode(ctx context.Context, s *session, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Fprintf(s.out, "%s> ", appName)
		if !scanner.Scan() {
			fmt.Fprintln(s.out, "\nGoodbye!")
			return scanner.Err()
		}
		if done := runLine(ctx, s, scanner.Text()); done {
			return nil
		}
	}
}

// runLine executes one input line and reports whether the session ended.
func runLine(ctx context.Context, s *session, line string) bool {
	err := s.exec(ctx, line)
	switch {
	case errors.Is(err, errQuit):
		fmt.Fprintln(s.out, "Goodbye!")
		return true
	case ctx.Err() != nil:
		fmt.Fprintln(s.out, "Interrupted.")
		return true
	case err != nil:
		fmt.Fprintf(s.out, "Error: %v\n", err)
	}
	return false
}
