package main

import (
	"context"
	"math/rand/v2"
	"time"

	fri "github.com/3s-rg-codes/hyperfaas-emulator/pkg/worker/functionRuntimeInterface"
)

func main() {
	fn := fri.New()
	fn.Register("Simul", fri.Callback(handler))
	fn.Ready()
}

// handler simulates a workload between 100ms and 2 seconds.
func handler(_ context.Context, _ *fri.Event, done fri.Done) {
	d := time.Duration(rand.IntN(1900)+100) * time.Millisecond
	time.AfterFunc(d, func() {
		done(nil, map[string]int64{"workMs": d.Milliseconds()})
	})
}
