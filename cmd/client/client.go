package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
)

func main() {
	// 1. CLI parameter parsing
	serverAddr := flag.String("server", "127.0.0.1:9001", "Address of the exchange gateway")
	user := flag.String("user", "", "User ID (compulsory)")
	account := flag.String("account", "", "Account ID (defaults to <user>-acct)")
	action := flag.String("action", "place", "Action: ['place', 'cancel', 'modify', 'cancel-all', 'snapshot', 'subscribe']")

	// Order parameters
	symbol := flag.String("symbol", "", "Instrument symbol")
	sideStr := flag.String("side", "buy", "Order side: 'buy' or 'sell'")
	tif := flag.String("tif", "GTC", "Time in force: GTC | IOC | FOK | DAY")
	price := flag.String("price", "", "Limit price (decimal string)")
	qty := flag.String("qty", "", "Quantity (decimal string)")
	display := flag.String("display", "", "Iceberg display quantity (optional)")

	// Cancel/modify parameters
	orderID := flag.String("order", "", "Order ID to cancel or modify")
	newPrice := flag.String("new-price", "", "New price for modify")
	newQty := flag.String("new-qty", "", "New quantity for modify")
	depth := flag.Int("depth", 10, "Snapshot depth")

	flag.Parse()

	if *user == "" {
		fmt.Println("Error: -user is compulsory.")
		flag.Usage()
		os.Exit(1)
	}
	if *account == "" {
		*account = *user + "-acct"
	}

	conn, err := net.Dial("tcp", *serverAddr)
	if err != nil {
		log.Fatalf("Failed to connect to gateway at %s: %v", *serverAddr, err)
	}
	defer conn.Close()
	fmt.Printf("Connected to %s as '%s'\n", *serverAddr, *user)

	req := map[string]any{
		"userId":    *user,
		"accountId": *account,
	}

	switch strings.ToLower(*action) {
	case "place":
		req["type"] = "place"
		req["symbol"] = *symbol
		req["side"] = strings.ToUpper(*sideStr)
		req["tif"] = strings.ToUpper(*tif)
		req["price"] = *price
		req["quantity"] = *qty
		if *display != "" {
			req["displayQuantity"] = *display
		}
	case "cancel":
		req["type"] = "cancel"
		req["orderId"] = *orderID
	case "modify":
		req["type"] = "modify"
		req["orderId"] = *orderID
		if *newPrice != "" {
			req["newPrice"] = *newPrice
		}
		if *newQty != "" {
			req["newQuantity"] = *newQty
		}
	case "cancel-all":
		req["type"] = "cancel_all"
		if *symbol != "" {
			req["symbol"] = *symbol
		}
	case "snapshot":
		req["type"] = "snapshot"
		req["symbol"] = *symbol
		req["depth"] = *depth
	case "subscribe":
		req["type"] = "subscribe"
		if *symbol != "" {
			req["symbol"] = *symbol
		}
	default:
		log.Fatalf("Unknown action: %s", *action)
	}

	data, err := json.Marshal(req)
	if err != nil {
		log.Fatalf("Failed to encode request: %v", err)
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		log.Fatalf("Failed to send request: %v", err)
	}
	fmt.Printf("-> Sent %s request\n", *action)

	// Print responses; stay attached for streamed events when subscribed.
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		fmt.Println(scanner.Text())
		if strings.ToLower(*action) != "subscribe" {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		log.Fatalf("Connection error: %v", err)
	}
}
