// Command concierge runs the demo support crew as an interactive terminal
// chat. Each line typed is one run against the triage agent; tool calls,
// transfers and approval prompts are rendered as they stream.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"goa.design/clue/log"

	concierge "example.com/concierge"
	"goa.design/maestro/agent"
	"goa.design/maestro/approval"
	"goa.design/maestro/model/openai"
	"goa.design/maestro/runtime"
	"goa.design/maestro/session"
	"goa.design/maestro/session/inmem"
	"goa.design/maestro/stream"
	"goa.design/maestro/telemetry"
)

func main() {
	var (
		modelF   = flag.String("model", "gpt-4o", "Model identifier")
		sessionF = flag.String("session", "demo", "Session ID (empty disables history)")
		dbgF     = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}

	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		log.Fatalf(ctx, fmt.Errorf("missing credentials"), "set OPENAI_API_KEY")
	}
	client, err := openai.NewFromAPIKey(apiKey, *modelF)
	if err != nil {
		log.Fatalf(ctx, err, "build model client")
	}

	var store session.Store
	if *sessionF != "" {
		store = inmem.New()
	}
	rt := runtime.New(
		runtime.WithClient(client),
		runtime.WithDefaultModel(*modelF),
		runtime.WithSessionStore(store),
		runtime.WithLogger(telemetry.NewClueLogger()),
		runtime.WithTracer(telemetry.NewClueTracer()),
	)
	crew := concierge.NewCrew()

	fmt.Println("concierge ready. Type a message, Ctrl-D to quit.")
	in := bufio.NewScanner(os.Stdin)
	for prompt(); in.Scan(); prompt() {
		line := strings.TrimSpace(in.Text())
		if line == "" {
			continue
		}
		if err := runOnce(ctx, rt, crew, line, *sessionF); err != nil {
			log.Errorf(ctx, err, "run failed")
		}
	}
}

func prompt() { fmt.Print("> ") }

func runOnce(ctx context.Context, rt *runtime.Runtime, crew *agent.Agent, input, sessionID string) error {
	s, err := rt.RunStream(ctx, crew, input, runtime.RunOptions{
		SessionID:       sessionID,
		ApprovalHandler: terminalApprover,
	})
	if err != nil {
		return err
	}
	defer s.Close()

	for {
		ev, err := s.Next(ctx)
		if err != nil {
			return err
		}
		switch ev.Type {
		case stream.TypeRawModelDelta:
			fmt.Print(ev.Content)
		case stream.TypeMessageOutput:
			fmt.Println()
		case stream.TypeToolCall:
			fmt.Printf("  [%s] calling %s\n", ev.Agent, ev.Tool)
		case stream.TypeToolResult:
			if ev.ToolErr != nil {
				fmt.Printf("  [%s] %s failed: %s\n", ev.Agent, ev.Tool, ev.ToolErr.Message)
			}
		case stream.TypeAgentUpdated:
			fmt.Printf("  -> transferred to %s\n", ev.ToAgent)
		case stream.TypeFinish:
			fmt.Println(ev.Content)
			return nil
		case stream.TypeError:
			return ev.Err
		}
	}
}

// terminalApprover asks the operator to approve gated tool calls.
func terminalApprover(_ context.Context, toolName string, args json.RawMessage) (approval.Decision, error) {
	fmt.Printf("\napprove %s(%s)? [y/N] ", toolName, string(args))
	r := bufio.NewReader(os.Stdin)
	line, _ := r.ReadString('\n')
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(line)), "y") {
		return approval.Decision{Approved: true}, nil
	}
	return approval.Decision{Approved: false, Reason: "declined by operator"}, nil
}
