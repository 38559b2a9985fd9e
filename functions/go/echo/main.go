package main

import (
	"io"
	"net/http"

	fri "github.com/3s-rg-codes/hyperfaas-emulator/pkg/worker/functionRuntimeInterface"
)

func main() {
	fn := fri.New()
	fn.Register("Echo", fri.HTTP(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		_, _ = io.Copy(w, r.Body)
	}))
	fn.Ready()
}
