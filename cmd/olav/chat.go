package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"olav/internal/session"
)

var chatThread string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive operator session",
	Long: `Starts a line-oriented chat loop against the assistant.

Slash commands inside the loop:
  /approve   approve the pending action on this thread
  /reject    reject the pending action
  /cancel    cancel the thread (clears any pending approval)
  /quit      leave the chat`,
	RunE: runChat,
}

var queryCmd = &cobra.Command{
	Use:   "query [message]",
	Short: "Send a single message and print the reply",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runQuery,
}

func init() {
	chatCmd.Flags().StringVar(&chatThread, "thread", "", "Resume an existing thread instead of starting a new one")
	queryCmd.Flags().StringVar(&chatThread, "thread", "", "Thread to send the message on")
}

func runChat(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	mgr, err := a.manager()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	a.watch(ctx)

	threadID := chatThread
	if threadID == "" {
		threadID = uuid.NewString()
	}
	fmt.Printf("olav — thread %s (/approve /reject /cancel /quit)\n", threadID)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch line {
		case "/quit", "/exit":
			return nil
		case "/cancel":
			if err := mgr.Cancel(threadID); err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Println("thread cancelled")
			continue
		case "/approve", "/reject":
			reply, err := mgr.Resume(ctx, threadID, line == "/approve")
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			printReply(reply)
			continue
		}

		reply, err := mgr.Send(ctx, threadID, line)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Println("error:", err)
			continue
		}
		printReply(reply)
	}
}

func runQuery(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	mgr, err := a.manager()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	threadID := chatThread
	if threadID == "" {
		threadID = uuid.NewString()
	}
	reply, err := mgr.Send(ctx, threadID, strings.Join(args, " "))
	if err != nil {
		return err
	}
	printReply(reply)
	return nil
}

func printReply(reply *session.Reply) {
	if reply.Text != "" {
		fmt.Println(reply.Text)
	}
	if reply.Interrupt != nil {
		args, _ := json.Marshal(reply.Interrupt.Args)
		fmt.Printf("approval needed: %s %s\n", reply.Interrupt.Tool, args)
		fmt.Printf("  thread %s, fingerprint %s — /approve or /reject (or: olav sessions approve %s)\n",
			reply.ThreadID, reply.Interrupt.Fingerprint, reply.ThreadID)
	}
}
