package main

import (
	"bufio"
	"encoding/base64"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/rcord/rcord/internal/client"
	"github.com/rcord/rcord/internal/config"
	"github.com/rcord/rcord/pkg/protocol"
)

func main() {
	settingsPath := flag.String("settings", "settings.json", "Path to the client settings file")
	serverAddr := flag.String("server", "", "Server address, overrides the settings file")
	useWS := flag.Bool("ws", false, "Connect over WebSocket instead of raw TCP")
	flag.Parse()

	settings, err := config.LoadSettings(*settingsPath)
	if err != nil {
		log.Fatalf("Failed to load settings: %v", err)
	}

	addr := settings.Addr()
	mediaAddr := settings.MediaAddr()
	if *serverAddr != "" {
		addr = *serverAddr
	}

	transport := client.TransportTCP
	if *useWS {
		transport = client.TransportWS
	}

	c := client.New(client.Config{
		Address:      addr,
		MediaAddress: mediaAddr,
		Transport:    transport,
	})
	defer c.Close()

	go printEvents(c)

	c.Connect()
	fmt.Printf("Connecting to %s...\n", addr)
	fmt.Println("Type /help for commands, /quit to exit")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			break
		}
		if !strings.HasPrefix(line, "/") {
			c.SendText(line)
			continue
		}
		runCommand(c, settings, *settingsPath, line)
	}
	if err := scanner.Err(); err != nil {
		log.Printf("Error reading input: %v", err)
	}

	c.Logout()
	c.Disconnect()
}

func printEvents(c *client.Client) {
	for event := range c.Events() {
		switch event.Type {
		case client.EventConnected:
			fmt.Println("*** connected ***")
		case client.EventDisconnected:
			if event.Err != "" {
				fmt.Printf("*** disconnected: %s ***\n", event.Err)
			} else {
				fmt.Println("*** disconnected ***")
			}
		case client.EventRegistered:
			fmt.Println("*** registered, you can log in now ***")
		case client.EventLoggedIn:
			fmt.Printf("*** logged in as %s ***\n", c.Store().Username())
		case client.EventError:
			fmt.Printf("*** %s failed: %s ***\n", event.Action, event.Err)
		case client.EventUpdated:
			printUpdate(c, event)
		}
	}
}

func printUpdate(c *client.Client, event client.Event) {
	store := c.Store()
	switch event.Action {
	case protocol.ActionListUsers:
		for _, username := range store.Users() {
			marker := " "
			if store.Online(username) {
				marker = "*"
			}
			fmt.Printf("%s %s\n", marker, username)
		}
	case protocol.ActionListRooms:
		fmt.Printf("rooms: %s\n", strings.Join(store.Rooms(), ", "))
	case protocol.ActionListChats:
		fmt.Printf("chats: %s\n", strings.Join(store.Chats(), ", "))
	case protocol.ActionListInvites:
		for _, invite := range store.Invites() {
			fmt.Printf("invite to %s from %s\n", invite.Channel().Target(), invite.From)
		}
	case protocol.ActionListMessages:
		if channel, ok := store.ActiveChannel(); ok && event.Message.Target == channel.Target() {
			for _, msg := range store.Messages(channel.Target()) {
				if msg.Kind == protocol.MessageKindText {
					fmt.Printf("[%s] %s: %s\n", msg.SentAt.Local().Format("15:04"), msg.Sender, msg.Text)
				} else {
					fmt.Printf("[%s] %s sent %s (%s)\n", msg.SentAt.Local().Format("15:04"), msg.Sender, msg.Filename, msg.Kind)
				}
			}
		}
	case protocol.ActionListMembers:
		fmt.Printf("members of %s: %s\n", event.Message.Target, strings.Join(event.Message.Members, ", "))
	}
}

func runCommand(c *client.Client, settings config.Settings, settingsPath, line string) {
	fields := strings.Fields(line)
	command, args := fields[0], fields[1:]

	switch command {
	case "/help":
		printHelp()
	case "/register":
		if len(args) != 2 {
			fmt.Println("usage: /register <username> <password>")
			return
		}
		c.Register(args[0], args[1])
	case "/login":
		if len(args) != 2 {
			fmt.Println("usage: /login <username> <password>")
			return
		}
		c.Login(args[0], args[1])
	case "/logout":
		c.Logout()
	case "/users":
		c.RefreshUsers()
	case "/rooms":
		c.RefreshRooms()
	case "/chats":
		c.RefreshChats()
	case "/invites":
		c.RefreshInvites()
	case "/create-room":
		if len(args) != 1 {
			fmt.Println("usage: /create-room <room>")
			return
		}
		c.CreateRoom(args[0])
	case "/join":
		if len(args) != 1 {
			fmt.Println("usage: /join <room>")
			return
		}
		c.JoinRoom(args[0])
	case "/invite":
		if len(args) != 2 {
			fmt.Println("usage: /invite <room> <username>")
			return
		}
		c.InviteToRoom(args[0], args[1])
	case "/chat":
		if len(args) != 1 {
			fmt.Println("usage: /chat <username>")
			return
		}
		c.CreateChat(args[0])
	case "/accept":
		if len(args) != 1 {
			fmt.Println("usage: /accept <chat>")
			return
		}
		c.AcceptChat(args[0])
	case "/decline":
		if len(args) != 1 {
			fmt.Println("usage: /decline <room-or-chat>")
			return
		}
		declineByName(c, args[0])
	case "/select":
		if len(args) != 2 || (args[0] != "room" && args[0] != "chat") {
			fmt.Println("usage: /select room|chat <name>")
			return
		}
		kind := protocol.KindRoom
		if args[0] == "chat" {
			kind = protocol.KindChat
		}
		c.SelectChannel(protocol.Channel{Kind: kind, Name: args[1]})
	case "/members":
		channel, ok := c.Store().ActiveChannel()
		if !ok {
			fmt.Println("select a channel first")
			return
		}
		c.ListMembers(channel)
	case "/save-settings":
		if err := config.SaveSettings(settingsPath, settings); err != nil {
			fmt.Printf("failed to save settings: %v\n", err)
			return
		}
		fmt.Printf("settings saved to %s\n", settingsPath)
	case "/send-file":
		if len(args) != 1 {
			fmt.Println("usage: /send-file <path>")
			return
		}
		sendFile(c, args[0])
	default:
		fmt.Printf("unknown command %s\n", command)
	}
}

// declineByName matches the argument against pending invites so the caller
// does not have to spell out the invite type.
func declineByName(c *client.Client, name string) {
	for _, invite := range c.Store().Invites() {
		if invite.Room == name || invite.Chat == name {
			c.DeclineInvite(invite)
			return
		}
	}
	fmt.Printf("no pending invite for %s\n", name)
}

func sendFile(c *client.Client, path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		fmt.Printf("cannot read %s: %v\n", path, err)
		return
	}
	kind := protocol.MessageKindFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png", ".jpg", ".jpeg", ".gif":
		kind = protocol.MessageKindImage
	}
	c.SendAttachment(kind, filepath.Base(path), base64.StdEncoding.EncodeToString(raw))
}

func printHelp() {
	fmt.Println(`commands:
  /register <username> <password>
  /login <username> <password>
  /users /rooms /chats /invites
  /create-room <room>    /join <room>    /invite <room> <username>
  /chat <username>       /accept <chat>  /decline <room-or-chat>
  /select room|chat <name>   then type to send messages
  /members               /send-file <path>
  /save-settings /logout /quit`)
}
