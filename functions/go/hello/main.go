package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	fri "github.com/3s-rg-codes/hyperfaas-emulator/pkg/worker/functionRuntimeInterface"
)

type greeter struct {
	greeting string
}

func main() {
	fn := fri.New()
	fn.Provide("greeter", func(context.Context) (any, error) {
		greeting := os.Getenv("GREETING")
		if greeting == "" {
			greeting = "Hello"
		}
		return &greeter{greeting: greeting}, nil
	})
	fn.Register("Hello", fri.HTTP(func(w http.ResponseWriter, r *http.Request) {
		g, err := fri.RequireAs[*greeter](r.Context(), "greeter")
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		name := r.URL.Query().Get("name")
		if name == "" {
			name = "World"
		}
		fmt.Fprintf(w, "%s, %s!\n", g.greeting, name)
	}))
	fn.Ready()
}
