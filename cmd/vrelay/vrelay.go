package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gbn-rdt-pa/chat"
	"gbn-rdt-pa/lnxconfig"
)

func listRooms(hub *chat.Hub) string {
	rooms := hub.Rooms()
	names := make([]string, 0, len(rooms))
	for name := range rooms {
		names = append(names, name)
	}
	sort.Strings(names)

	var res = "Room        Members"
	for _, name := range names {
		res += "\n" + fmt.Sprintf("%-10s  %s", name, strings.Join(rooms[name], ", "))
	}
	return res
}

func listUsers(hub *chat.Hub) string {
	var res = "User        Addr                   Idle"
	for _, u := range hub.Users() {
		idle := time.Since(u.LastSeen).Truncate(time.Second)
		res += "\n" + fmt.Sprintf("%-10s  %-21s  %v", u.Name, u.Addr, idle)
	}
	return res
}

func main() {
	if len(os.Args) != 3 {
		fmt.Println("Usage: ./vrelay --config <lnx file>")
		return
	}
	lnxFile := os.Args[2]

	// Parse the lnx file
	lnxConfig, err := lnxconfig.ParseConfig(lnxFile)
	if err != nil {
		fmt.Println("Error parsing config file:", err)
		return
	}

	hub, err := chat.ListenHub(lnxConfig.HubConfig())
	if err != nil {
		fmt.Println(err)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := hub.Run(ctx); err != nil {
			fmt.Println("Relay stopped:", err)
		}
	}()
	fmt.Println("Relay listening on", hub.Addr())

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("Enter command:")
	for scanner.Scan() {
		userInput := strings.TrimSpace(scanner.Text())

		if userInput == "lr" {
			fmt.Println(listRooms(hub))
		} else if userInput == "lu" {
			fmt.Println(listUsers(hub))
		} else if userInput == "q" {
			break
		} else if userInput == "" {
			continue
		} else {
			fmt.Println("Invalid command.")
		}
	}
	cancel()
	<-done
}
