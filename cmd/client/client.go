package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"matchbook/internal/common"
	mbNet "matchbook/internal/net"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func main() {
	// 1. CLI Parameter Parsing
	serverAddr := flag.String("server", "127.0.0.1:9001", "Address of the matching server")
	owner := flag.String("owner", "", "Owner name reports are routed to")
	action := flag.String("action", "place", "Action to perform: ['place', 'cancel', 'log', 'heartbeat']")

	// Order Parameters
	sideStr := flag.String("side", "buy", "Order side: 'buy' or 'sell'")
	typeStr := flag.String("type", "limit", "Order type: 'limit' or 'market'")
	priceStr := flag.String("price", "100.00", "Limit price, ignored for market orders")
	scale := flag.Int("scale", 2, "Decimal places of the smallest currency unit")
	qtyStr := flag.String("qty", "10", "Quantity or comma-separated list (e.g. 10,20,50)")

	// Cancel Parameters
	orderID := flag.String("uuid", "", "UUID of the order to cancel")

	wait := flag.Duration("wait", 0, "How long to keep listening for reports, 0 waits forever")

	flag.Parse()

	// Connect to Server
	conn, err := net.Dial("tcp", *serverAddr)
	if err != nil {
		log.Fatalf("Failed to connect to server at %s: %v", *serverAddr, err)
	}
	defer conn.Close()
	fmt.Printf("Connected to %s as '%s'\n", *serverAddr, *owner)

	// Start Listening for Reports (Async)
	go readReports(conn, int32(*scale))

	// Execute Action
	switch strings.ToLower(*action) {
	case "place":
		side, err := common.ParseSide(*sideStr)
		if err != nil {
			log.Fatal(err)
		}
		orderType, err := common.ParseOrderType(*typeStr)
		if err != nil {
			log.Fatal(err)
		}

		var price uint64
		if orderType == common.LimitOrder {
			price, err = toMinorUnits(*priceStr, int32(*scale))
			if err != nil {
				log.Fatalf("Invalid price %q: %v", *priceStr, err)
			}
		}

		for _, q := range parseQuantities(*qtyStr) {
			msg := mbNet.NewOrderMsg(orderType, side, price, q, *owner)
			if err := mbNet.WriteFrame(conn, msg.Serialize()); err != nil {
				log.Printf("Failed to place order (Qty: %d): %v", q, err)
				continue
			}
			fmt.Printf("-> Sent %s %s Order: %d @ %s\n", side, orderType, q, formatPrice(price, int32(*scale)))
		}

	case "cancel":
		id, err := uuid.Parse(*orderID)
		if err != nil {
			log.Fatalf("Error: -uuid must be a valid order id: %v", err)
		}
		if err := mbNet.WriteFrame(conn, mbNet.CancelOrderMsg(id).Serialize()); err != nil {
			log.Printf("Failed to send cancel request: %v", err)
		} else {
			fmt.Printf("-> Sent Cancel Request for UUID: %s\n", id)
		}

	case "log":
		if err := mbNet.WriteFrame(conn, mbNet.BaseMessage{TypeOf: mbNet.LogBook}.Serialize()); err != nil {
			log.Printf("Failed to send log request: %v", err)
		} else {
			fmt.Println("-> Sent Log Request")
		}

	case "heartbeat":
		if err := mbNet.WriteFrame(conn, mbNet.BaseMessage{TypeOf: mbNet.Heartbeat}.Serialize()); err != nil {
			log.Printf("Failed to send heartbeat: %v", err)
		}

	default:
		log.Fatalf("Unknown action: %s", *action)
	}

	// Keep the client alive to receive execution reports
	if *wait > 0 {
		time.Sleep(*wait)
		return
	}
	fmt.Println("\nListening for reports... (Press Ctrl+C to exit)")
	select {}
}

// parseQuantities splits a comma-separated string into a slice of uint64
func parseQuantities(input string) []uint64 {
	parts := strings.Split(input, ",")
	var result []uint64
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if val, err := strconv.ParseUint(p, 10, 64); err == nil {
			result = append(result, val)
		} else {
			log.Printf("Warning: Invalid quantity '%s', skipping.", p)
		}
	}
	return result
}

// toMinorUnits converts a decimal price such as "10.50" into an integer
// count of the smallest currency unit.
func toMinorUnits(price string, scale int32) (uint64, error) {
	d, err := decimal.NewFromString(price)
	if err != nil {
		return 0, err
	}
	minor := d.Shift(scale)
	if !minor.IsInteger() {
		return 0, fmt.Errorf("more than %d decimal places", scale)
	}
	if minor.Sign() <= 0 {
		return 0, errors.New("price must be positive")
	}
	if !minor.BigInt().IsUint64() {
		return 0, errors.New("price out of range")
	}
	return minor.BigInt().Uint64(), nil
}

func formatPrice(minor uint64, scale int32) string {
	if minor == 0 {
		return "MKT"
	}
	return decimal.NewFromUint64(minor).Shift(-scale).StringFixed(scale)
}

// readReports continuously reads and parses reports from the server
func readReports(conn net.Conn, scale int32) {
	for {
		body, err := mbNet.ReadFrame(conn, mbNet.MaxFrameLen)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("Connection lost: %v", err)
			}
			os.Exit(0)
		}
		report, err := mbNet.ParseReport(body)
		if err != nil {
			log.Printf("Unreadable report: %v", err)
			continue
		}
		printReport(report, scale)
	}
}

func printReport(r mbNet.Report, scale int32) {
	switch r.MessageType {
	case mbNet.ErrorReport:
		fmt.Printf("\n[SERVER ERROR] %s\n", r.Err)
	case mbNet.AckReport:
		fmt.Printf("\n[ACK] %s %s %d @ %s | Remaining: %d | Status: %s | UUID: %s\n",
			strings.ToUpper(r.Side.String()), r.OrderType, r.Quantity, formatPrice(r.Price, scale),
			r.Remaining, r.Status, r.OrderID)
	case mbNet.ExecutionReport:
		role := "maker"
		if r.Liquidity == mbNet.Taker {
			role = "taker"
		}
		fmt.Printf("\n[EXECUTION] %s %d @ %s (%s) | Remaining: %d | vs: %s | UUID: %s\n",
			strings.ToUpper(r.Side.String()), r.Quantity, formatPrice(r.Price, scale), role,
			r.Remaining, r.CounterpartyID, r.OrderID)
	case mbNet.CancelReport:
		fmt.Printf("\n[CANCELLED] %s %d/%d @ %s | UUID: %s\n",
			strings.ToUpper(r.Side.String()), r.Remaining, r.Quantity, formatPrice(r.Price, scale), r.OrderID)
	case mbNet.BookReport:
		fmt.Println("\n[BOOK]")
		for i := len(r.Asks) - 1; i >= 0; i-- {
			level := r.Asks[i]
			fmt.Printf("  ASK %12s %10d (%d)\n", formatPrice(level.Price, scale), level.Quantity, level.Orders)
		}
		fmt.Println("  ----")
		for _, level := range r.Bids {
			fmt.Printf("  BID %12s %10d (%d)\n", formatPrice(level.Price, scale), level.Quantity, level.Orders)
		}
	case mbNet.HeartbeatReport:
		fmt.Println("\n[HEARTBEAT]")
	}
}
