package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	fri "github.com/3s-rg-codes/hyperfaas-emulator/pkg/worker/functionRuntimeInterface"
)

func main() {
	if os.Getenv("CRASH_ON_LOAD") != "" {
		fmt.Fprintln(os.Stderr, "refusing to load: CRASH_ON_LOAD is set")
		os.Exit(1)
	}
	fn := fri.New()
	// Crash takes the whole worker down in the middle of a request.
	fn.Register("Crash", fri.HTTP(func(http.ResponseWriter, *http.Request) {
		time.Sleep(2 * time.Second)
		go func() { panic("crash") }()
		select {}
	}))
	fn.Ready()
}
