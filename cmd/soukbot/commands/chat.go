package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mharbouli/soukbot/pkg/soukbot/agent"
	"github.com/mharbouli/soukbot/pkg/soukbot/catalog"
	"github.com/mharbouli/soukbot/pkg/soukbot/config"
	"github.com/mharbouli/soukbot/pkg/soukbot/llm"
	"github.com/mharbouli/soukbot/pkg/soukbot/store"
)

// newChatCmd creates the `soukbot chat` command for talking to the agent
// from the terminal, without WhatsApp.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Talk to the sales agent from the terminal",
		Long: `Runs the full agent pipeline (intent routing, catalog search,
discount negotiation, order collection) against the local store.
With a message argument it answers once; without it, it starts an
interactive session.

Examples:
  soukbot chat "how much are the earbuds?"
  soukbot chat`,
		Args: cobra.MaximumNArgs(1),
		RunE: runChat,
	}

	cmd.Flags().String("conversation", "", "conversation id to continue (default: a new one)")
	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := buildLogger(cmd, cfg)

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	llmClient := llm.New(cfg.LLM, logger)
	cat := catalog.New(st, llmClient, logger)
	settings := config.NewSettings(cfg)
	engine := agent.New(st, llmClient, cat, settings, cfg.Agent, logger)

	convID, _ := cmd.Flags().GetString("conversation")
	if convID == "" {
		convID = "cli_" + uuid.NewString()
	}

	ctx := context.Background()

	if len(args) > 0 {
		res, err := engine.ProcessMessage(ctx, convID, "cli", args[0])
		if err != nil {
			return err
		}
		fmt.Println(res.Reply)
		return nil
	}

	fmt.Printf("Chatting with %s (conversation %s). Type /quit to exit.\n", cfg.Agent.Name, convID)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			break
		}

		res, err := engine.ProcessMessage(ctx, convID, "cli", line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		fmt.Println(res.Reply)
	}
	return scanner.Err()
}
