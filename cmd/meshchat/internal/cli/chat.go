package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KarpelesLab/meshnet"
	"github.com/KarpelesLab/meshnet/transport/lan"
)

var (
	flagUsername string
	flagPeerId   string
	flagService  string
	flagTTL      int
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "start a node and open an interactive chat prompt",
	RunE:  runChat,
}

func init() {
	chatCmd.Flags().StringVar(&flagUsername, "username", "", "display name advertised to peers")
	chatCmd.Flags().StringVar(&flagPeerId, "peer-id", "", "pin the local peer id instead of generating one")
	chatCmd.Flags().StringVar(&flagService, "service", "", "discovery service name")
	chatCmd.Flags().IntVar(&flagTTL, "ttl", 0, "default hop budget for locally originated messages")
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := meshnet.LoadConfigFile(configPath)
	if err != nil {
		return err
	}
	if flagUsername != "" {
		cfg.Username = flagUsername
	}
	if flagPeerId != "" {
		cfg.PeerId = flagPeerId
	}
	if flagService != "" {
		cfg.ServiceName = flagService
	}
	if flagTTL > 0 {
		cfg.DefaultTTL = flagTTL
	}
	if cfg.Username == "" {
		return fmt.Errorf("meshchat: --username (or config username) is required")
	}

	node := meshnet.New([]meshnet.Adapter{lan.New()}, cfg.AsOptions()...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	if err := node.Start(ctx); err != nil {
		return fmt.Errorf("meshchat: start node: %w", err)
	}
	defer node.Stop()

	color.Green("meshchat started: %s (%s)", cfg.Username, node.Id())
	printHelp()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          makePrompt(cfg.Username),
		HistoryFile:     "/tmp/meshchat_history.log",
		InterruptPrompt: "^C",
		EOFPrompt:       "/quit",
	})
	if err != nil {
		return fmt.Errorf("meshchat: readline init: %w", err)
	}
	defer rl.Close()

	go watchMessages(ctx, node)
	go watchPeerUpdates(ctx, node)

	for {
		line, err := rl.Readline()
		if err != nil {
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !handleCommand(ctx, node, line) {
			return nil
		}
	}
}

func makePrompt(username string) string {
	return color.GreenString("%s> ", username)
}

func printHelp() {
	color.Magenta("Commands:")
	fmt.Println("  /peers                 - list known peers")
	fmt.Println("  /direct                - list direct peers")
	fmt.Println("  /connect <peerId>      - connect to a discovered peer")
	fmt.Println("  /disconnect <peerId>   - drop a direct peer")
	fmt.Println("  /to <peerId> <text>    - send text to one peer")
	fmt.Println("  /dump                  - print diagnostic info")
	fmt.Println("  /quit                  - exit")
	fmt.Println("  <text>                 - broadcast text to the whole mesh")
}

func handleCommand(ctx context.Context, node *meshnet.Node, line string) bool {
	if !strings.HasPrefix(line, "/") {
		if err := node.Broadcast(ctx, line, nil, nil, 0); err != nil {
			color.Red("broadcast failed: %v", err)
		}
		return true
	}

	parts := strings.Fields(line)
	switch parts[0] {
	case "/quit":
		return false
	case "/peers":
		for _, p := range node.Peers() {
			fmt.Printf("  %s (%s) hop=%d state=%s\n", p.Username, p.Id, p.HopCount, p.State)
		}
	case "/direct":
		for _, p := range node.DirectPeers() {
			fmt.Printf("  %s (%s) state=%s\n", p.Username, p.Id, p.State)
		}
	case "/connect":
		if len(parts) != 2 {
			color.Red("usage: /connect <peerId>")
			return true
		}
		if err := node.ConnectToPeer(ctx, parts[1]); err != nil {
			color.Red("connect failed: %v", err)
		}
	case "/disconnect":
		if len(parts) != 2 {
			color.Red("usage: /disconnect <peerId>")
			return true
		}
		if err := node.DisconnectPeer(ctx, parts[1]); err != nil {
			color.Red("disconnect failed: %v", err)
		}
	case "/to":
		if len(parts) < 3 {
			color.Red("usage: /to <peerId> <text>")
			return true
		}
		text := strings.Join(parts[2:], " ")
		if err := node.SendToPeer(ctx, parts[1], text, nil, nil, 0); err != nil {
			color.Red("send failed: %v", err)
		}
	case "/dump":
		node.DumpInfo(os.Stdout)
	default:
		color.Red("unknown command %q; try /peers, /to, /quit", parts[0])
	}
	return true
}

func watchMessages(ctx context.Context, node *meshnet.Node) {
	ch, cancel := node.OnMessage()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			dp, _ := m.Payload.(meshnet.DataPayload)
			fmt.Printf("%s %s\n", color.CyanString("[%s]>", m.SourceUsername), dp.Text)
		}
	}
}

func watchPeerUpdates(ctx context.Context, node *meshnet.Node) {
	ch, cancel := node.OnPeerUpdate()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-ch:
			if !ok {
				return
			}
			color.Yellow("* %s (%s) is now %s", p.Username, p.Id, p.State)
		}
	}
}
