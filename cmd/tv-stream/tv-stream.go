package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"

	"tv-sdk-go/client/websocket"
	"tv-sdk-go/common"
)

var (
	symbols = flag.StringArray("sym", nil, "Symbol to watch, e.g. BINANCE:BTCUSDT. This flag can be given multiple times")
	verbose = flag.Bool("verbose", false, "Prints all state changes and debug messages to stdout.")
	server  = flag.String("server", "", "Endpoint to connect to: data, prodata or widgetdata.")

	credsFilename = flag.String("creds", "", "YAML file with credentials: the file must contain \"token\" and \"signature\" keys. Anonymous access is used without it.")

	token     = flag.String("token", "", "Session token to use. Consider using --creds instead.")
	signature = flag.String("signature", "", "Session signature to use. Consider using --creds instead.")
)

var (
	upColor   = color.New(color.FgGreen)
	downColor = color.New(color.FgRed)
	dimColor  = color.New(color.Faint)
)

func main() {
	flag.Parse()

	// Setup OS signal handler
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	args := flag.Args()

	// Get address to connect to
	u := ""
	if len(args) >= 1 {
		u = args[0]
	}

	// If --creds was given, use it; otherwise use --token and --signature.
	var cr *creds
	if *credsFilename != "" {
		var err error
		cr, err = parseCreds(*credsFilename)
		if err != nil {
			log.Fatalf("%s", err)
		}
	} else {
		cr = &creds{
			Token:     *token,
			Signature: *signature,
		}
	}

	// Setup market connection (but don't connect just yet)
	c, err := websocket.NewClient(&websocket.Params{
		URL:       u,
		Server:    *server,
		Token:     cr.Token,
		Signature: cr.Signature,
		Debug:     *verbose,
	})
	if err != nil {
		log.Fatalf("%s", err)
	}

	// Will print state changes to the user
	if *verbose {
		var lastError error

		c.OnError(func(err error, disconnecting bool) {
			// If the client is going to disconnect because of that error, just save
			// the error to show later on the disconnection message.
			if disconnecting {
				lastError = err
				return
			}

			// Otherwise, print the error message right away.
			log.Printf("Error: %s", err.Error())
		})

		c.OnStateChange(
			websocket.ConnStateAny,
			func(oldState, state websocket.ConnState) {
				fmt.Printf("State updated: %s -> %s", websocket.ConnStateNames[oldState], websocket.ConnStateNames[state])
				if lastError != nil {
					fmt.Printf(" (%s)", lastError)
					lastError = nil
				}
				fmt.Printf("\n")
			},
		)
	}

	quotes, err := c.NewQuoteSession(nil)
	if err != nil {
		log.Fatalf("%s", err)
	}

	// Will print received quote updates
	quotes.OnQuoteData(func(symbol common.SymbolID, q common.Quote) {
		printQuote(symbol, q)
	})

	quotes.OnSymbolError(func(symbol common.SymbolID) {
		fmt.Printf("Invalid symbol: %s\n", symbol)
	})

	quotes.OnCompleted(func(symbol common.SymbolID) {
		dimColor.Printf("Snapshot complete: %s\n", symbol)
	})

	syms := make([]common.SymbolID, 0, len(*symbols))
	for _, v := range *symbols {
		syms = append(syms, common.SymbolID(v))
	}
	if err := quotes.AddSymbols(syms...); err != nil {
		log.Fatalf("%s", err)
	}

	// Start connection loop
	if *verbose {
		fmt.Printf("Connecting to %s ...\n", c.URL())
	}
	c.Connect()

	// Wait until the OS signal is received, at which point we'll close the
	// connection and quit
	<-interrupt
	fmt.Printf("Closing connection...\n")

	if err := c.Close(); err != nil {
		fmt.Printf("Failed to close connection: %s", err)
	}
}

func printQuote(symbol common.SymbolID, q common.Quote) {
	price := "-"
	if q.Price != nil {
		price = fmt.Sprintf("%g", *q.Price)
	}

	change := ""
	chColor := dimColor
	if q.PriceChange != nil && q.PriceChangePercent != nil {
		if *q.PriceChange >= 0 {
			chColor = upColor
		} else {
			chColor = downColor
		}
		change = fmt.Sprintf("%+g (%+.2f%%)", *q.PriceChange, *q.PriceChangePercent)
	}

	fmt.Printf("%-20s %12s  ", symbol, price)
	chColor.Printf("%-24s", change)
	if q.Volume != nil {
		dimColor.Printf("  vol %g", *q.Volume)
	}
	fmt.Printf("\n")
}
