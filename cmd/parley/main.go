package main

import (
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/parley-chat/parley/internal/binder"
	"github.com/parley-chat/parley/internal/config"
	"github.com/parley-chat/parley/internal/localstate"
	"github.com/parley-chat/parley/internal/logging"
	"github.com/parley-chat/parley/internal/presence"
	"github.com/parley-chat/parley/internal/rooms"
	"github.com/parley-chat/parley/internal/session"
	"github.com/parley-chat/parley/internal/ui"
)

func main() {
	cfgPath := flag.String("config", "parley.yaml", "Path to the config file")
	wsURL := flag.String("url", "", "WebSocket URL of the chat server (overrides config)")
	userID := flag.String("user", "", "User id to authenticate as")
	username := flag.String("name", "", "Display name")
	token := flag.String("token", "", "Auth token")
	room := flag.String("room", "", "Room to open on startup")
	flag.Parse()

	cfg, err := config.LoadOrDefault(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *wsURL != "" {
		cfg.Server.URL = *wsURL
	}
	if *userID == "" || *username == "" {
		fmt.Fprintln(os.Stderr, "Error: -user and -name are required")
		os.Exit(1)
	}

	log := logging.New(cfg.Log)
	state := localstate.NewStore(cfg.State.Dir)
	store := rooms.NewStore(cfg.Rooms.MessageCap)

	mgr := session.NewManager(cfg, log, store, state)
	pres := presence.NewController(cfg, log, mgr, state)
	bind := binder.New(cfg, log, store, state, mgr, pres, binder.Callbacks{})
	mgr.SetHandler(bind)
	mgr.OnConnect(pres.HandleConnected)

	// Reopen where the user left off, unless a room was asked for.
	openRoom := *room
	if openRoom == "" {
		if st, err := state.Load(); err == nil {
			openRoom = st.LastRoomID
		}
	}
	if openRoom != "" {
		store.OpenRoom(openRoom, "", rooms.KindGroup)
	}

	if err := mgr.Init(*userID, *username, *token); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	m := ui.New(mgr, store, bind, pres)
	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	pres.Stop()
	mgr.Teardown()
}
