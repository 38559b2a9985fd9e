package main

import (
	"context"
	"time"

	fri "github.com/3s-rg-codes/hyperfaas-emulator/pkg/worker/functionRuntimeInterface"
)

type input struct {
	Seconds float64 `json:"seconds"`
}

func main() {
	fn := fri.New()
	fn.Register("Sleep", fri.Async(sleep))
	fn.Ready()
}

// sleep answers after the requested time unless the call is abandoned first.
func sleep(ctx context.Context, ev *fri.Event) <-chan fri.Result {
	out := make(chan fri.Result, 1)
	go func() {
		in := input{Seconds: 20}
		if err := ev.Decode(&in); err != nil {
			out <- fri.Result{Err: err}
			return
		}
		d := time.Duration(in.Seconds * float64(time.Second))
		select {
		case <-time.After(d):
			out <- fri.Result{Value: map[string]string{"slept": d.String()}}
		case <-ctx.Done():
			out <- fri.Result{Err: ctx.Err()}
		}
	}()
	return out
}
