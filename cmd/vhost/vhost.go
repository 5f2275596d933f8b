package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"unicode"

	"gbn-rdt-pa/chat"
	"gbn-rdt-pa/lnxconfig"
	protocol "gbn-rdt-pa/pkg"
	"gbn-rdt-pa/simlink"
)

const help = `Commands:
  /join <room>                 join a room and make it current
  /leave [room]                leave a room (default: current)
  /switch <room>               send plain text to another joined room
  /pm <user> <text>            private message (also: @user <text>)
  /send <user> <file>          offer a file
  /send_audio <user> <file>    offer an audio clip
  /send_sticker <user> <file>  offer a sticker
  /accept <id>                 accept an offer (an id prefix is enough)
  /reject <id>                 reject an offer
  ls                           list transfers
  sf <file> <host> <port> [vip]  send a file directly, no relay
  rf <file> <port>             receive one file directly
  help, quit`

func printEvent(ev chat.Event) {
	switch ev.Kind {
	case chat.EventMessage:
		fmt.Printf("[%s] %s: %s\n", ev.Room, ev.From, ev.Text)
	case chat.EventPrivate:
		fmt.Printf("[PM from %s] %s\n", ev.From, ev.Text)
	case chat.EventUserList:
		fmt.Printf("*** Users in [%s]: %s ***\n", ev.Room, strings.Join(ev.Users, ", "))
	case chat.EventNotice:
		if ev.Room != "" {
			fmt.Printf("*** [%s] %s ***\n", ev.Room, ev.Text)
		} else {
			fmt.Printf("*** %s ***\n", ev.Text)
		}
	case chat.EventOffer:
		o := ev.Transfer.Offer
		fmt.Printf("%s wants to send you %s '%s' (%d bytes). Type: /accept %s\n", ev.From, o.Kind, o.Filename, o.Size, chat.ShortID(o.ID))
	case chat.EventRejected:
		fmt.Printf("%s rejected '%s'\n", ev.From, ev.Transfer.Offer.Filename)
	case chat.EventTransferStarted:
		fmt.Printf("Transfer of '%s' with %s started\n", ev.Transfer.Offer.Filename, ev.From)
	case chat.EventTransferDone:
		if ev.Transfer.Direction == chat.Incoming {
			fmt.Printf("Received '%s' from %s into %s\n", ev.Transfer.Offer.Filename, ev.From, ev.Transfer.Path)
		} else {
			fmt.Printf("Sent '%s' to %s\n", ev.Transfer.Offer.Filename, ev.From)
		}
	case chat.EventTransferFailed:
		fmt.Printf("Transfer of '%s' with %s failed: %v\n", ev.Transfer.Offer.Filename, ev.From, ev.Err)
	}
}

func listTransfers(client *chat.Client) string {
	var res = "ID        Dir  Peer        State     Size      File"
	for _, t := range client.Transfers() {
		res += "\n" + fmt.Sprintf("%-8s  %-3s  %-10s  %-8s  %-8d  %s",
			chat.ShortID(t.Offer.ID), t.Direction, t.Peer, t.State, t.Offer.Size, t.Offer.Filename)
		if t.Err != nil {
			res += "  (" + t.Err.Error() + ")"
		}
	}
	return res
}

// afterFields returns s without its first n whitespace-separated fields.
func afterFields(s string, n int) string {
	for i := 0; i < n; i++ {
		s = strings.TrimLeftFunc(s, unicode.IsSpace)
		j := strings.IndexFunc(s, unicode.IsSpace)
		if j < 0 {
			return ""
		}
		s = s[j:]
	}
	return strings.TrimSpace(s)
}

// resolveOffer expands an id prefix typed at the prompt.
func resolveOffer(client *chat.Client, prefix string) string {
	match := ""
	for _, t := range client.Transfers() {
		if strings.HasPrefix(t.Offer.ID, prefix) {
			if match != "" {
				return prefix
			}
			match = t.Offer.ID
		}
	}
	if match == "" {
		return prefix
	}
	return match
}

// openBinding binds a direct-transfer endpoint on port, over a virtual link
// when the node has a VIP, impaired when the config asks for it.
func openBinding(cfg *lnxconfig.NodeConfig, port int) (protocol.Binding, error) {
	addr := ":" + strconv.Itoa(port)
	var b protocol.Binding
	if cfg.VIP.IsValid() {
		l, err := protocol.ListenVirtual(cfg.VIP, addr)
		if err != nil {
			return nil, err
		}
		b = l
	} else {
		u, err := protocol.ListenUDP(addr)
		if err != nil {
			return nil, err
		}
		b = u
	}
	if cfg.Impaired() {
		w, err := simlink.Wrap(b, cfg.Impairment)
		if err != nil {
			b.Close()
			return nil, err
		}
		return w, nil
	}
	return b, nil
}

func sfCommand(cfg *lnxconfig.NodeConfig, parts []string) {
	if len(parts) != 4 && len(parts) != 5 {
		fmt.Println("Usage: sf <file> <host> <port> [vip]")
		return
	}
	addr, err := netip.ParseAddr(parts[2])
	if err != nil {
		fmt.Println("Please enter a valid IP address after the file")
		return
	}
	port, err := strconv.ParseUint(parts[3], 10, 16)
	if err != nil {
		fmt.Println(err)
		return
	}
	link := netip.AddrPortFrom(addr, uint16(port))

	var dest net.Addr = net.UDPAddrFromAddrPort(link)
	if cfg.VIP.IsValid() != (len(parts) == 5) {
		fmt.Println("Give a destination vip exactly when the config file sets one")
		return
	}
	if len(parts) == 5 {
		vip, err := netip.ParseAddr(parts[4])
		if err != nil {
			fmt.Println(err)
			return
		}
		dest = protocol.VirtualAddr{VIP: vip, Link: link}
	}

	binding, err := openBinding(cfg, 0)
	if err != nil {
		fmt.Println(err)
		return
	}
	go func() {
		defer binding.Close()
		if err := protocol.SendFile(context.Background(), parts[1], binding, dest, cfg.Transfer); err != nil {
			fmt.Println("sf failed:", err)
			return
		}
		fmt.Println("sf: sent", parts[1])
	}()
}

func rfCommand(cfg *lnxconfig.NodeConfig, parts []string) {
	if len(parts) != 3 {
		fmt.Println("Usage: rf <file> <port>")
		return
	}
	port, err := strconv.ParseUint(parts[2], 10, 16)
	if err != nil {
		fmt.Println(err)
		return
	}
	binding, err := openBinding(cfg, int(port))
	if err != nil {
		fmt.Println(err)
		return
	}
	go func() {
		defer binding.Close()
		if err := protocol.ReceiveFile(context.Background(), binding, parts[1], cfg.Transfer); err != nil {
			fmt.Println("rf failed:", err)
			return
		}
		fmt.Println("rf: received", parts[1])
	}()
}

func main() {
	if len(os.Args) != 3 {
		fmt.Println("Usage: ./vhost --config <lnx file>")
		return
	}
	lnxFile := os.Args[2]

	// Parse the lnx file
	lnxConfig, err := lnxconfig.ParseConfig(lnxFile)
	if err != nil {
		fmt.Println("Error parsing config file:", err)
		return
	}

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("Enter username:")
	if !scanner.Scan() {
		return
	}
	client, err := chat.Dial(strings.TrimSpace(scanner.Text()), lnxConfig.ClientConfig(), printEvent)
	if err != nil {
		fmt.Println(err)
		return
	}
	defer client.Close()

	fmt.Println("Enter command (help for a list):")
	for scanner.Scan() {
		// REPL
		userInput := strings.TrimSpace(scanner.Text())
		parts := strings.Fields(userInput)
		if len(parts) == 0 {
			continue
		}

		switch cmd := parts[0]; {
		case cmd == "help":
			fmt.Println(help)
		case cmd == "quit" || cmd == "/quit":
			return
		case cmd == "ls":
			fmt.Println(listTransfers(client))
		case cmd == "sf":
			sfCommand(lnxConfig, parts)
		case cmd == "rf":
			rfCommand(lnxConfig, parts)
		case cmd == "/join" && len(parts) == 2:
			err = client.Join(parts[1])
		case cmd == "/leave":
			room := client.Current()
			if len(parts) == 2 {
				room = parts[1]
			}
			err = client.Leave(room)
		case cmd == "/switch" && len(parts) == 2:
			err = client.Switch(parts[1])
		case cmd == "/pm" && len(parts) >= 3:
			err = client.PM(parts[1], afterFields(userInput, 2))
		case strings.HasPrefix(cmd, "@") && len(parts) >= 2:
			err = client.PM(cmd[1:], afterFields(userInput, 1))
		case (cmd == "/send" || cmd == "/send_audio" || cmd == "/send_sticker") && len(parts) == 3:
			kind := chat.KindFile
			if cmd == "/send_audio" {
				kind = chat.KindAudio
			} else if cmd == "/send_sticker" {
				kind = chat.KindSticker
			}
			var t chat.Transfer
			t, err = client.Offer(parts[1], parts[2], kind)
			if err == nil {
				fmt.Printf("Offered '%s' to %s, waiting for an answer (id %s)\n", t.Offer.Filename, parts[1], chat.ShortID(t.Offer.ID))
			}
		case cmd == "/accept" && len(parts) == 2:
			err = client.Accept(resolveOffer(client, parts[1]))
		case cmd == "/reject" && len(parts) == 2:
			err = client.Reject(resolveOffer(client, parts[1]))
		case strings.HasPrefix(cmd, "/"):
			fmt.Println("Invalid command.")
			continue
		default:
			err = client.Say(userInput)
		}
		if err != nil {
			fmt.Println(err)
			err = nil
		}
	}
}
