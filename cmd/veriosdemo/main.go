// Command veriosdemo boots the kernel on the simulated two-core port and
// runs a producer pinned to core 0 and a consumer pinned to core 1 that
// pass eight messages over a queue. The host drives the tick from a
// wall-clock loop standing in for the periodic timer interrupt.
package main

import (
	"fmt"
	"time"

	"github.com/joeycumines/logiface"

	verios "github.com/jasbury1/VeriOS"
	"github.com/jasbury1/VeriOS/internal/klog"
)

func main() {
	k, err := verios.New(
		verios.WithNumCores(2),
		verios.WithLogger(klog.NewStderr(logiface.LevelInformational)),
	)
	if err != nil {
		panic(err)
	}

	q, kerr := k.NewQueue(4)
	if kerr != nil {
		panic(kerr)
	}

	done := make(chan struct{})

	producerTid, kerr := k.CreateTask(func(any) {
		for i := 0; i < 8; i++ {
			if err := q.Send(verios.NoTimeout, fmt.Sprintf("msg-%d", i)); err != nil {
				fmt.Println("producer send:", err)
				return
			}
			_ = k.Delay(2)
		}
	}, nil, "producer", 5, 512, 0, 0)
	if kerr != nil {
		panic(kerr)
	}

	_, kerr = k.CreateTask(func(any) {
		for i := 0; i < 8; i++ {
			msg, err := q.Receive(verios.NoTimeout)
			if err != nil {
				fmt.Println("consumer receive:", err)
				return
			}
			fmt.Println("consumer got:", msg)
		}
		close(done)
	}, nil, "consumer", 6, 512, 0, 1)
	if kerr != nil {
		panic(kerr)
	}

	if kerr := k.Start(); kerr != nil {
		panic(kerr)
	}
	defer k.Stop()

	// Tick at 1ms until the consumer drains everything (or we give up).
	deadline := time.After(5 * time.Second)
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			k.Tick()
		case <-done:
			name, _ := k.TaskName(producerTid)
			fmt.Printf("done after %d ticks; producer task was %q\n", k.TickCount(), name)
			return
		case <-deadline:
			fmt.Println("timed out waiting for consumer")
			return
		}
	}
}
