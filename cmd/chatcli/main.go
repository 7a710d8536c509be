// Command chatcli is a terminal client that keeps a local copy of the
// user's chats and syncs it with the chat API when online.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pliu/chatsync/internal/cache"
	"github.com/pliu/chatsync/internal/config"
	"github.com/pliu/chatsync/internal/connectivity"
	"github.com/pliu/chatsync/internal/models"
	"github.com/pliu/chatsync/internal/remote"
	"github.com/pliu/chatsync/internal/session"
)

var (
	configPath = flag.String("config", "", "path to YAML config file")
	apiURL     = flag.String("api", "", "chat API base URL (overrides config)")
	logFile    = flag.String("log", "chatcli.log", "log file; empty logs to stderr")
)

const helpText = `Commands:
  /register <name> <email> <password>
  /login <email> <password>
  /logout
  /whoami
  /chats                list chats, newest first
  /open <n|id>          continue a chat
  /new                  start a new chat with the next message
  /delete <n|id>
  /sync                 push local changes now
  /models
  /help
  /quit
Anything else is sent to the assistant.`

type repl struct {
	ctrl    *session.Controller
	monitor *connectivity.Monitor
	current string
}

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			log.Fatal(err)
		}
		defer f.Close()
		log.SetOutput(f)
	}

	cfg, err := config.LoadClient(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	if *apiURL != "" {
		cfg.APIURL = *apiURL
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := cache.Open(cfg.CachePath)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	api := remote.NewClient(cfg.APIURL, remote.WithTimeout(cfg.RequestTimeout))
	ctrl := session.New(api, cache.NewStore(db))

	monitor := connectivity.New(cfg.APIURL, ctrl.Token, connectivity.WithRetryInterval(cfg.RetryInterval))
	monitor.OnChange(func(online bool) {
		ctrl.SetOnline(ctx, online)
	})
	monitor.OnEvent(func(e connectivity.Event) {
		if e.Type == connectivity.EventChatsChanged {
			ctrl.Refresh(ctx)
		}
	})

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Printf("[CLI] metrics server stopped error=%v", err)
			}
		}()
	}

	go printEvents(ctrl.Events())

	if err := ctrl.Restore(ctx); err != nil && !errors.Is(err, session.ErrNoSession) {
		fmt.Println("Could not restore session:", err)
	}
	go monitor.Run(ctx)

	r := &repl{ctrl: ctrl, monitor: monitor}
	fmt.Println("chatsync - type /help for commands")
	if user := ctrl.User(); user != nil {
		fmt.Printf("Welcome back, %s\n", user.Name)
	}

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		fmt.Print("> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !r.handle(ctx, strings.TrimSpace(line)) {
				return
			}
		}
	}
}

// handle runs one input line and reports whether to keep going.
func (r *repl) handle(ctx context.Context, line string) bool {
	if line == "" {
		return true
	}
	if !strings.HasPrefix(line, "/") {
		r.send(ctx, line)
		return true
	}

	fields := strings.Fields(line)
	args := fields[1:]
	switch fields[0] {
	case "/quit", "/exit":
		return false
	case "/help":
		fmt.Println(helpText)
	case "/register":
		if len(args) != 3 {
			fmt.Println("usage: /register <name> <email> <password>")
			return true
		}
		r.auth(r.ctrl.Register(ctx, args[0], args[1], args[2]))
	case "/login":
		if len(args) != 2 {
			fmt.Println("usage: /login <email> <password>")
			return true
		}
		r.auth(r.ctrl.Login(ctx, args[0], args[1]))
	case "/logout":
		r.ctrl.Logout(ctx)
		r.current = ""
		r.monitor.Refresh()
		fmt.Println("Logged out")
	case "/whoami":
		if user := r.ctrl.User(); user != nil {
			fmt.Printf("%s <%s> chats sent: %d (online=%v)\n", user.Name, user.Email, user.ChatCount, r.ctrl.Online())
		} else {
			fmt.Println("Not logged in")
		}
	case "/chats":
		printChats(r.ctrl.Chats())
	case "/open":
		chat, ok := r.lookup(args)
		if !ok {
			return true
		}
		r.current = chat.ID
		printChat(chat)
	case "/new":
		r.current = ""
		fmt.Println("Next message starts a new chat")
	case "/delete":
		chat, ok := r.lookup(args)
		if !ok {
			return true
		}
		if r.ctrl.DeleteChat(ctx, chat.ID) {
			if r.current == chat.ID {
				r.current = ""
			}
			fmt.Println("Deleted", chat.Title)
		} else {
			fmt.Println("Delete failed")
		}
	case "/sync":
		result, err := r.ctrl.SyncNow(ctx)
		if err != nil {
			fmt.Println("Sync unavailable:", err)
			return true
		}
		fmt.Printf("Sync %s: pushed=%d failed=%d\n", result.Status, result.Pushed, result.Failed)
	case "/models":
		list, err := r.ctrl.Models(ctx)
		if err != nil {
			fmt.Println("Could not list models:", err)
			return true
		}
		for _, m := range list {
			fmt.Printf("  %-28s %s - %s\n", m.ID, m.Name, m.Description)
		}
	default:
		fmt.Println("Unknown command, type /help")
	}
	return true
}

func (r *repl) auth(err error) {
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	r.current = ""
	r.monitor.Refresh()
	if user := r.ctrl.User(); user != nil {
		fmt.Printf("Logged in as %s\n", user.Name)
	}
}

func (r *repl) send(ctx context.Context, prompt string) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	chat, err := r.ctrl.Send(ctx, r.current, prompt)
	switch {
	case errors.Is(err, session.ErrOffline):
		fmt.Println("You are offline, messages cannot be sent")
		return
	case errors.Is(err, session.ErrNotAuthenticated):
		fmt.Println("Log in first (/login or /register)")
		return
	case err != nil:
		var apiErr *remote.APIError
		if errors.As(err, &apiErr) {
			fmt.Println("Error:", apiErr.Message)
		} else {
			fmt.Println("Error:", err)
		}
		return
	}

	r.current = chat.ID
	if n := len(chat.Messages); n > 0 {
		fmt.Println(chat.Messages[n-1].Content)
	}
}

// lookup resolves a chat by list position (1-based) or id.
func (r *repl) lookup(args []string) (models.Chat, bool) {
	if len(args) != 1 {
		fmt.Println("usage: <command> <n|id>")
		return models.Chat{}, false
	}
	chats := r.ctrl.Chats()
	var n int
	if _, err := fmt.Sscanf(args[0], "%d", &n); err == nil && n >= 1 && n <= len(chats) {
		return chats[n-1], true
	}
	if chat, ok := r.ctrl.Chat(args[0]); ok {
		return chat, true
	}
	fmt.Println("No such chat")
	return models.Chat{}, false
}

func printChats(chats []models.Chat) {
	if len(chats) == 0 {
		fmt.Println("No chats yet")
		return
	}
	for i, c := range chats {
		ts := time.UnixMilli(c.Timestamp).Format("2006-01-02 15:04")
		fmt.Printf("%3d. %-40s %s (%d messages)\n", i+1, c.Title, ts, len(c.Messages))
	}
}

func printChat(chat models.Chat) {
	fmt.Printf("== %s ==\n", chat.Title)
	for _, m := range chat.Messages {
		fmt.Printf("[%s] %s\n", m.Role, m.Content)
	}
}

func printEvents(events <-chan session.Event) {
	for e := range events {
		switch e.Kind {
		case session.EventNotice:
			fmt.Printf("\n* %s\n", e.Message)
		case session.EventState:
			if e.State == session.StateInvalid {
				fmt.Println("\n* Session ended")
			}
		}
	}
}
