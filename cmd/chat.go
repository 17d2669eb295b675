package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	chathttp "github.com/satriahrh/professor-bot/adapters/http"
	ws "github.com/satriahrh/professor-bot/adapters/websocket"
	"github.com/satriahrh/professor-bot/domain"
	"github.com/satriahrh/professor-bot/usecase"
)

var chatOpts struct {
	server     string
	credential string
	persona    string
	model      string
}

func init() {
	flags := chatCmd.Flags()
	flags.StringVar(&chatOpts.server, "server", "http://localhost:8080", "Server base URL")
	flags.StringVar(&chatOpts.credential, "credential", "", "Model API token (default $REPLICATE_API_TOKEN)")
	flags.StringVar(&chatOpts.persona, "persona", "", "Persona name")
	flags.StringVar(&chatOpts.model, "model", "", "Model name")
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with a running server from the terminal",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		credential := chatOpts.credential
		if credential == "" {
			credential = os.Getenv("REPLICATE_API_TOKEN")
		}
		return runChat(ctx, os.Stdin, cmd.OutOrStdout(), usecase.StartOptions{
			Credential: credential,
			Persona:    chatOpts.persona,
			Model:      chatOpts.model,
		})
	},
}

func runChat(ctx context.Context, in io.Reader, out io.Writer, opts usecase.StartOptions) error {
	started, err := startSession(ctx, chatOpts.server, opts)
	if err != nil {
		return err
	}

	conn, err := dialSession(ctx, chatOpts.server, started.Token)
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Fprintf(out, "Connected as %s. Type /clear to reset, exit to quit.\n", started.Session.Persona.Title)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go printEvents(conn, out, started.Session.Persona)

	reader := bufio.NewReader(in)
	for {
		text, err := reader.ReadString('\n')
		if err != nil && text == "" {
			break
		}
		text = strings.TrimSpace(text)
		if text == "exit" {
			break
		}

		cmd := ws.Command{Type: ws.CommandMessage, Content: text}
		if text == "/clear" {
			cmd = ws.Command{Type: ws.CommandClear}
		}
		if err := conn.WriteJSON(cmd); err != nil {
			return fmt.Errorf("sending message: %w", err)
		}
	}
	return conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func startSession(ctx context.Context, server string, opts usecase.StartOptions) (*chathttp.StartSessionResponse, error) {
	body, err := json.Marshal(opts)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(server, "/")+"/api/v1/sessions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("starting session failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var started chathttp.StartSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&started); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &started, nil
}

func dialSession(ctx context.Context, server, token string) (*websocket.Conn, error) {
	u, err := url.Parse(strings.TrimRight(server, "/") + "/ws")
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	return conn, nil
}

// printEvents writes the transcript as it changes. Fragments carry the
// whole reply so far, so only the unseen suffix is printed.
func printEvents(conn *websocket.Conn, out io.Writer, persona domain.Persona) {
	printed := 0
	for {
		var ev domain.SessionEvent
		if err := conn.ReadJSON(&ev); err != nil {
			return
		}

		switch ev.Type {
		case domain.EventSnapshot, domain.EventCleared:
			for _, turn := range ev.Turns {
				fmt.Fprintf(out, "%s: %s\n", persona.Label(turn.Role), turn.Content)
			}
		case domain.EventFragment:
			if printed == 0 {
				fmt.Fprintf(out, "%s: ", persona.ResponderLabel)
			}
			if len(ev.Text) > printed {
				fmt.Fprint(out, ev.Text[printed:])
				printed = len(ev.Text)
			}
		case domain.EventCommitted:
			fmt.Fprintln(out)
			printed = 0
		case domain.EventFailed:
			if printed > 0 {
				fmt.Fprintln(out)
			}
			fmt.Fprintf(out, "! request failed: %s\n", ev.Error)
			printed = 0
		case domain.EventRejected:
			fmt.Fprintf(out, "! %s\n", ev.Error)
		}
	}
}
