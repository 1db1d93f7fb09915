package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/open-agents/agentlink/internal/config"
	"github.com/open-agents/agentlink/internal/conversation"
	"github.com/open-agents/agentlink/internal/logger"
	"github.com/open-agents/agentlink/internal/middleware"
	"github.com/open-agents/agentlink/internal/permission"
	"github.com/open-agents/agentlink/internal/protocol"
	"github.com/open-agents/agentlink/internal/tools"
)

var (
	chatStream bool
	chatAgent  string
)

var chatCmd = &cobra.Command{
	Use:   "chat [agent]",
	Short: "Start an interactive chat with a configured agent",
	Long: `Open an interactive chat session with one of the agents from the
config file. Without an argument the first configured agent is used.`,
	Args: cobra.MaximumNArgs(1),
	Run:  runChat,
}

func init() {
	chatCmd.Flags().BoolVar(&chatStream, "stream", false, "Use the streaming variant where the protocol offers one")
	chatCmd.Flags().StringVar(&chatAgent, "agent", "", "Agent name from the config file")
}

func runChat(cmd *cobra.Command, args []string) {
	// Setup rotating logger
	l, err := logger.New()
	if err == nil {
		log.SetOutput(l.Writer())
		defer l.Close()
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("No config found at %s: %v\n", config.ConfigPath(), err)
		fmt.Println("Create one with an 'agents' list before chatting.")
		os.Exit(1)
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	agent, err := pickAgent(cfg, args)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	adapter, err := protocol.New(protocol.AdapterConfig{
		Name:      agent.Name,
		Transport: protocol.Transport(agent.Transport),
		URL:       agent.URL,
		Headers:   agent.Headers,
		Reconnect: protocol.ReconnectPolicy{
			MaxAttempts: cfg.Reconnect.MaxAttempts,
			Delay:       time.Duration(cfg.Reconnect.DelaySeconds) * time.Second,
		},
	})
	if err != nil {
		fmt.Printf("Cannot create adapter: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
		adapter.Disconnect()
		os.Exit(0)
	}()

	fmt.Printf("Connecting to %s (%s)...\n", agent.Name, agent.Transport)
	if err := adapter.Connect(ctx); err != nil {
		fmt.Printf("Connection failed: %v\n", err)
		os.Exit(1)
	}

	registry := tools.NewRegistry()
	handler := permission.NewHandler(time.Duration(cfg.ApprovalTimeoutSeconds) * time.Second)
	handler.OnRequest(func(req permission.Request) {
		fmt.Printf("\n[approval] %s wants to run %s\n", agent.Name, req.ToolName)
		fmt.Println("[approval] type /allow or /deny")
	})

	approve := func(ctx context.Context, req protocol.ToolCallRequest) (bool, error) {
		d, err := handler.Submit(req.ToolCallID, permission.Request{
			RequestID: req.ToolCallID,
			ToolName:  req.ToolName,
			Args:      req.Args,
		})
		if err != nil {
			return false, err
		}
		return d.Granted, nil
	}

	executor := tools.NewExecutor(registry, nil, approve)
	pipeline := middleware.NewPipeline()
	store := conversation.NewMemoryStore()

	// Session-protocol agents push their own approval requests
	if acp, ok := adapter.(*protocol.ACPAdapter); ok {
		acp.OnPermissionRequest(func(req permission.Request) {
			fmt.Printf("\n[approval] %s requests permission for %s\n", agent.Name, req.ToolName)
			for _, opt := range req.Options {
				fmt.Printf("  - %s (%s)\n", opt.OptionID, opt.Kind)
			}
			fmt.Println("[approval] type /allow [option] or /deny")
		})
	}

	printEvents(adapter)

	rec := conversation.NewReconciler(adapter, store, pipeline, executor, registry)
	rec.SetStreaming(chatStream)
	rec.Start()
	defer rec.Stop()

	fmt.Println("Connected. Type a message, /allow, /deny, or /quit.")
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

		switch {
		case line == "/quit" || line == "/exit":
			adapter.Disconnect()
			return
		case strings.HasPrefix(line, "/allow"):
			resolveApproval(adapter, handler, strings.TrimSpace(strings.TrimPrefix(line, "/allow")), true)
		case line == "/deny":
			resolveApproval(adapter, handler, "", false)
		default:
			if err := rec.Send(ctx, line); err != nil {
				fmt.Printf("[error] %v\n", err)
			}
		}
	}
}

func pickAgent(cfg *config.Config, args []string) (config.Agent, error) {
	if len(cfg.Agents) == 0 {
		return config.Agent{}, fmt.Errorf("no agents configured in %s", config.ConfigPath())
	}

	name := chatAgent
	if name == "" && len(args) > 0 {
		name = args[0]
	}
	if name == "" {
		return cfg.Agents[0], nil
	}
	agent, err := cfg.Agent(name)
	if err != nil {
		return config.Agent{}, err
	}
	return *agent, nil
}

// printEvents renders the live stream: message text is reprinted in full on
// each update since content replaces rather than appends.
func printEvents(adapter protocol.Adapter) {
	adapter.Subscribe(func(ev protocol.Event) {
		switch ev.Kind {
		case protocol.EventMessage:
			if ev.Message.Done {
				fmt.Printf("\n%s\n", ev.Message.Content)
			}
		case protocol.EventToolCall:
			if ev.ToolCall.Done {
				fmt.Printf("\n[tool] %s(%v)\n", ev.ToolCall.Request.ToolName, ev.ToolCall.Request.Args)
			}
		case protocol.EventToolResult:
			if ev.ToolResult.Err != "" {
				fmt.Printf("[tool] %s failed: %s\n", ev.ToolResult.ToolCallID, ev.ToolResult.Err)
			} else {
				fmt.Printf("[tool] %s done\n", ev.ToolResult.ToolCallID)
			}
		case protocol.EventError:
			fmt.Printf("\n[error] %s\n", ev.Err.Message)
		}
	})
}

// resolveApproval answers whichever approval path is waiting: the session
// protocol's server-initiated request, or the local executor gate.
func resolveApproval(adapter protocol.Adapter, handler *permission.Handler, optionID string, granted bool) {
	if acp, ok := adapter.(*protocol.ACPAdapter); ok {
		if _, pending := acp.PendingPermission(); pending {
			var err error
			if granted {
				err = acp.GrantPermission(optionID)
			} else {
				err = acp.DenyPermission()
			}
			if err != nil {
				fmt.Printf("[error] %v\n", err)
			}
			return
		}
	}

	// local executor gate: resolve every pending id
	fmt.Println("[approval] resolved")
	handlerResolveAll(handler, granted, optionID)
}

func handlerResolveAll(h *permission.Handler, granted bool, optionID string) {
	for _, id := range h.PendingIDs() {
		h.Resolve(id, permission.Decision{Granted: granted, OptionID: optionID})
	}
}
