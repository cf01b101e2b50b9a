package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"time"

	"fillwatch/internal/common"
	fillNet "fillwatch/internal/net"
)

func main() {
	// 1. CLI Parameter Parsing
	serverAddr := flag.String("server", "127.0.0.1:9001", "Address of the fillwatch query server")
	sizeStr := flag.String("size", "1", "Order size or comma-separated list (e.g. 0.5,1,10)")
	interval := flag.Duration("interval", 0, "Repeat the queries at this interval (0 runs once)")
	sideStr := flag.String("side", "both", "Order side to show: 'buy', 'sell' or 'both'")
	flag.Parse()

	// Validation
	showBuy, showSell := true, true
	if !strings.EqualFold(*sideStr, "both") {
		side, err := common.ParseSide(*sideStr)
		if err != nil {
			fmt.Printf("Error: -side %q: %v\n", *sideStr, err)
			flag.Usage()
			os.Exit(1)
		}
		showBuy, showSell = side == common.Buy, side == common.Sell
	}

	sizes := parseSizes(*sizeStr)
	if len(sizes) == 0 {
		fmt.Println("Error: -size needs at least one order size.")
		flag.Usage()
		os.Exit(1)
	}

	// Connect to Server
	conn, err := net.Dial("tcp", *serverAddr)
	if err != nil {
		log.Fatalf("Failed to connect to server at %s: %v", *serverAddr, err)
	}
	defer conn.Close()
	fmt.Printf("Connected to %s\n", *serverAddr)

	// Check the server answers before querying.
	if _, err := conn.Write(fillNet.EncodeHeartbeat()); err != nil {
		log.Fatalf("Failed to send heartbeat: %v", err)
	}
	if report, err := fillNet.ReadReport(conn); err != nil || report.MessageType != fillNet.HeartbeatReport {
		log.Fatalf("No heartbeat from server: %v", err)
	}

	for {
		for _, size := range sizes {
			if err := sendQuery(conn, size); err != nil {
				log.Fatalf("Failed to send query: %v", err)
			}
			report, err := fillNet.ReadReport(conn)
			if err != nil {
				log.Fatalf("Connection lost: %v", err)
			}
			printReport(report, showBuy, showSell)
		}
		if *interval <= 0 {
			return
		}
		time.Sleep(*interval)
	}
}

// parseSizes splits a comma-separated string into order sizes.
func parseSizes(input string) []string {
	var result []string
	for _, p := range strings.Split(input, ",") {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	return result
}

// sendQuery constructs and sends the Query message
func sendQuery(conn net.Conn, size string) error {
	buf, err := fillNet.EncodeQuery(size)
	if err != nil {
		return err
	}
	_, err = conn.Write(buf)
	return err
}

// printReport prints a report. A sell order is priced against the bids, a buy
// order against the asks.
func printReport(report fillNet.Report, showBuy, showSell bool) {
	if report.MessageType == fillNet.ErrorReport {
		fmt.Printf("[SERVER ERROR] %s\n", report.Err)
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "[FILL] Size: %s", report.Size)
	if showSell {
		sell := "insufficient bids"
		if report.SellSufficient() {
			sell = report.Sell
		}
		fmt.Fprintf(&sb, " | Sell Avg: %s", sell)
	}
	if showBuy {
		buy := "insufficient asks"
		if report.BuySufficient() {
			buy = report.Buy
		}
		fmt.Fprintf(&sb, " | Buy Avg: %s", buy)
	}
	fmt.Fprintf(&sb, " | Seq: %d | ID: %s", report.SequenceID, report.UUID)
	fmt.Println(sb.String())
}
